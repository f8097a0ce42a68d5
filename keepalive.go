package ftps

import (
	"context"
	"time"
)

// startKeepAlive starts a goroutine that sends NOOP commands
// if the connection has been idle for the configured idleTimeout.
func (c *Client) startKeepAlive() {
	if c.idleTimeout <= 0 {
		return
	}

	quit := make(chan struct{})
	c.mu.Lock()
	c.quitChan = quit
	c.mu.Unlock()

	// We use a ticker that runs at half the idle timeout to be safe
	ticker := time.NewTicker(c.idleTimeout / 2)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				// Skip if a data transfer is in progress
				if c.transferring.Load() {
					continue
				}

				if c.Idle() < c.idleTimeout {
					continue
				}

				c.logger.Debug("sending keep-alive NOOP")
				if err := c.Noop(context.Background()); err != nil {
					c.logger.Debug("keep-alive NOOP failed", "error", err)
				}
			case <-quit:
				return
			}
		}
	}()
}

// stopKeepAlive stops the keep-alive goroutine, if any.
func (c *Client) stopKeepAlive() {
	c.mu.Lock()
	quit := c.quitChan
	c.mu.Unlock()

	if quit == nil {
		return
	}
	c.quitOnce.Do(func() { close(quit) })
}
