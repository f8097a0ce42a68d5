// Package ftps implements an FTP client engine with support for plain FTP
// and explicit FTPS (AUTH TLS).
//
// # Overview
//
// The package provides:
//   - Plain FTP and explicit TLS control connections (AUTH TLS, PBSZ 0, PROT P)
//   - Passive data connections negotiated with EPSV or PASV
//   - Correct matching of replies to commands, including multi-line replies
//     and replies coalesced into a single read
//   - Transfers that complete only once the data connection has ended and
//     the server has confirmed the transfer, whichever comes last
//   - Automatic TLS session reuse for data connections
//   - Progress tracking via io.Reader/Writer wrappers
//
// # Basic Usage
//
//	client, err := ftps.Dial(ctx, ftps.Config{
//	    Host:     "ftp.example.com",
//	    Username: "username",
//	    Password: "password",
//	    Security: ftps.SecurityExplicitTLS,
//	    DataMode: ftps.DataModeEPSV,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Quit(ctx)
//
//	names, err := client.List(ctx, "incoming")
//
// A Config can also be read from a TOML file with LoadConfig.
//
// # TLS Session Reuse
//
// Many FTP servers (vsftpd, ProFTPD) require data connections to resume the
// TLS session of the control connection. The client installs a shared TLS
// session cache for this; no configuration is required.
//
// # File Transfers
//
// Upload:
//
//	if err := client.UploadFile(ctx, "local.txt", "remote.txt"); err != nil {
//	    log.Fatal(err)
//	}
//
// Download as a stream:
//
//	stream, err := client.Retrieve(ctx, "remote.txt")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stream.Close()
//
//	if _, err := io.Copy(os.Stdout, stream); err != nil {
//	    log.Fatal(err)
//	}
//
// The stream returns io.EOF only after the server has confirmed the
// transfer, so a short read is never mistaken for a complete file.
//
// # Progress Tracking
//
//	pr := &ftps.ProgressReader{
//	    Reader: file,
//	    Callback: func(bytesTransferred int64) {
//	        fmt.Printf("Uploaded: %d bytes\n", bytesTransferred)
//	    },
//	}
//	err := client.Store(ctx, "remote.txt", pr)
//
// # Error Handling
//
// Errors carry the protocol context. A negative reply to a command is a
// *CommandError with the exact reply text:
//
//	var ce *ftps.CommandError
//	if errors.As(err, &ce) && ce.IsPermanent() {
//	    fmt.Printf("%s: %s\n", ce.Command, ce.Response)
//	}
//
// Connection failures are *TransportError, failed logins and TLS
// negotiation are *ProtocolError, and undecodable PASV/EPSV replies are
// *ParseError. No operation is retried automatically.
package ftps
