// Command httpcore-echo runs a minimal httpcore server that echoes the
// request method, URI and body back to the caller. It exists to exercise
// the full accept -> parse -> dispatch -> respond path end to end.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"dqx0.com/go/httpcore"
	"dqx0.com/go/httpcore/internal/http1"
	"dqx0.com/go/httpcore/internal/obs"
)

func main() {
	addr := flag.String("addr", ":8080", "address to listen on")
	debug := flag.Bool("debug", false, "enable verbose error bodies")
	flag.Parse()

	opts := httpcore.DefaultOptions()
	opts.Debug = *debug

	driver := http1.NewDriver(opts)
	lc := httpcore.NewLifecycle(opts, driver, httpcore.HandlerFunc(echo))
	lc.SetLogger(obs.NewZapLogger(obs.Info))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := lc.Start(ctx, map[string]httpcore.ListenerContext{
		*addr: {Backlog: opts.SocketBacklogSize},
	}); err != nil {
		log.Fatalf("start: %v", err)
	}
	log.Printf("httpcore-echo listening on %s", *addr)

	<-ctx.Done()
	log.Print("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if err := lc.Stop(stopCtx); err != nil {
		log.Fatalf("stop: %v", err)
	}
}

func echo(w httpcore.ResponseWriter, r *httpcore.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.SetStatus(400)
		_ = w.End([]byte("bad body: " + err.Error()))
		return
	}

	w.SetHeader("Content-Type", "text/plain; charset=utf-8")
	if id, ok := r.Locals["request_id"].(string); ok {
		w.SetHeader("X-Request-Id", id)
	}
	if err := w.WriteHeader(200); err != nil {
		return
	}
	_, _ = w.Write([]byte(r.Method + " " + r.URI + " " + r.Proto + "\n"))
	_ = w.End(body)
}
