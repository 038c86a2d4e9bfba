package policy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/infodancer/greylistd/internal/codec"
	"github.com/infodancer/greylistd/internal/server"
)

// Handler builds a server.ConnectionHandler that runs the
// codec-decode, engine-decide, codec-encode pipeline once per
// connection and then closes it, per the one-request-one-response
// wire contract.
func Handler(engine *Engine) server.ConnectionHandler {
	return func(ctx context.Context, conn net.Conn) {
		defer conn.Close()

		engine.collector.ConnectionOpened()
		defer engine.collector.ConnectionClosed()

		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)

		req, err := codec.ReadRequest(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			engine.log.Warn("policy: malformed request, answering neutral", "error", err)
			_ = codec.Dunno().WriteTo(w)
			return
		}

		resp := engine.Decide(ctx, req, time.Now())
		if err := resp.WriteTo(w); err != nil {
			engine.log.Warn("policy: writing response failed", "error", err)
		}
	}
}
