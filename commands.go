package ftps

import (
	"context"
	"time"
)

// setType sets the transfer type (e.g., "A", "I").
func (c *Client) setType(ctx context.Context, transferType string) error {
	c.mu.Lock()
	current := c.currentType
	c.mu.Unlock()

	// Skip if already set to this type
	if current == transferType {
		c.logger.Debug("transfer type already set, skipping TYPE command", "type", transferType)
		return nil
	}

	command := "TYPE " + transferType
	resp, err := c.send(ctx, command)
	if err != nil {
		return err
	}
	if !resp.Is2xx() {
		return newCommandError(command, resp)
	}

	c.mu.Lock()
	c.currentType = transferType
	c.mu.Unlock()
	return nil
}

// Noop sends a NOOP command to the server.
// It resets the server's idle timer without doing anything else.
func (c *Client) Noop(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}

	resp, err := c.send(ctx, "NOOP")
	if err != nil {
		return err
	}
	if !resp.Is2xx() {
		return newCommandError("NOOP", resp)
	}
	return nil
}

// Rename renames a file or directory on the server with RNFR followed by
// RNTO. It returns the text of the RNTO reply.
//
// Example:
//
//	_, err := client.Rename(ctx, "incoming/data.csf", "incoming/data.csv")
func (c *Client) Rename(ctx context.Context, from, to string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}

	command := "RNFR " + from
	resp, err := c.send(ctx, command)
	if err != nil {
		return "", err
	}
	// 350 asks for RNTO; anything else ends the rename.
	if !resp.Is3xx() {
		return "", newCommandError(command, resp)
	}

	command = "RNTO " + to
	resp, err = c.send(ctx, command)
	if err != nil {
		return "", err
	}
	if !resp.Is2xx() {
		return "", newCommandError(command, resp)
	}

	return resp.Text, nil
}

// Delete removes a file from the server with DELE and returns the reply
// text.
func (c *Client) Delete(ctx context.Context, path string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}

	command := "DELE " + path
	resp, err := c.send(ctx, command)
	if err != nil {
		return "", err
	}
	if !resp.Is2xx() {
		return "", newCommandError(command, resp)
	}

	return resp.Text, nil
}

// Idle returns how long the control connection has gone without a
// command.
func (c *Client) Idle() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastCommand)
}
