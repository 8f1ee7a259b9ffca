package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/matst80/backhaul/internal/httpx"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/proto"
	"github.com/matst80/backhaul/internal/transport"
)

const badGatewayResponse = "HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nContent-Length: 11\r\nConnection: close\r\n\r\nBad Gateway"

// serveTunnel opens the data connection for id, presents the id and relays
// the single exchange it carries to the target.
func (c *Client) serveTunnel(ctx context.Context, id string) {
	c.active.Add(1)
	defer c.active.Add(-1)

	dctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	data, err := transport.Dial(dctx, c.opts.Data, c.header(), c.opts.TLSConfig)
	cancel()
	if err != nil {
		c.tunnelFailed(id, fmt.Errorf("dial data: %w", err))
		return
	}
	defer data.Close()

	_ = data.SetWriteDeadline(time.Now().Add(c.opts.ConnectTimeout))
	if _, err := data.Write(proto.TunnelLine(id)); err != nil {
		c.tunnelFailed(id, fmt.Errorf("present tunnel id: %w", err))
		return
	}
	_ = data.SetWriteDeadline(time.Time{})

	tctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	target, err := c.dialTarget(tctx)
	cancel()
	if err != nil {
		// Answer so the caller sees a response instead of a dropped tunnel.
		_, _ = io.WriteString(data, badGatewayResponse)
		c.tunnelFailed(id, fmt.Errorf("dial target: %w", err))
		return
	}
	defer target.Close()

	start := time.Now()
	up, down, err := c.relay(data, target)
	if err != nil {
		c.tunnelFailed(id, err)
	}
	obs.Debug("tunnel.closed", obs.Fields{
		"id":       id,
		"sent":     sizestr.ToString(down),
		"received": sizestr.ToString(up),
		"dur":      time.Since(start).String(),
	})
}

// relay copies data to target, applying the Host rewrite to the request head,
// and target back to data. The first direction to finish closes both.
func (c *Client) relay(data, target net.Conn) (up, down int64, err error) {
	var (
		wg      sync.WaitGroup
		once    sync.Once
		headErr error
	)
	closeBoth := func() {
		_ = data.Close()
		_ = target.Close()
	}
	rewrite := httpx.Rewrite{Host: c.opts.HostRewrite, StripHost: c.opts.StripHost}

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer once.Do(closeBoth)
		var src io.Reader = data
		if rewrite.Active() {
			rd := bufio.NewReader(data)
			n, err := rewrite.Apply(rd, target)
			up += n
			if err != nil {
				headErr = fmt.Errorf("rewrite request head: %w", err)
				return
			}
			src = rd
		}
		n, _ := io.Copy(target, src)
		up += n
	}()
	go func() {
		defer wg.Done()
		defer once.Do(closeBoth)
		down, _ = io.Copy(data, target)
	}()
	wg.Wait()
	return up, down, headErr
}

func (c *Client) tunnelFailed(id string, err error) {
	obs.ErrorsTotal.WithLabelValues("agent_tunnel").Inc()
	obs.Info("tunnel.failed", obs.Fields{"id": id, "err": err.Error()})
	if c.opts.OnTunnelError != nil {
		c.opts.OnTunnelError(id, err)
	}
}
