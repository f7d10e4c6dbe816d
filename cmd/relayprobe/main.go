// relayprobe sets up a WebRTC call between two local peers through a
// callrelay server and measures a data channel round trip over it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/pion/webrtc/v4"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var buildString = "unknown"

type probeOpt struct {
	URL    string
	CallID string
	STUN   []string
}

func main() {
	f := flag.NewFlagSet("relayprobe", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println("relayprobe sets up a call between two local peers through a callrelay server.")
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	var (
		wsURL    = f.String("url", "ws://localhost:9000/ws", "Websocket URL of the relay")
		callID   = f.String("call", "", "Call ID to use. Random if empty")
		stun     = f.StringSlice("stun", nil, "STUN server URLs")
		timeout  = f.Duration("timeout", 30*time.Second, "Give up after this long")
		logLevel = f.String("log-level", "info", "Log level (debug, info, warn, error)")
		version  = f.Bool("version", false, "Show build version")
	)
	if err := f.Parse(os.Args[1:]); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if *version {
		fmt.Println(buildString)
		os.Exit(0)
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.Kitchen}))

	if *callID == "" {
		*callID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	rtt, err := probe(ctx, probeOpt{URL: *wsURL, CallID: *callID, STUN: *stun}, logger)
	if err != nil {
		logger.Error("probe failed", "call", *callID, "err", err)
		os.Exit(1)
	}
	logger.Info("probe succeeded", "call", *callID, "rtt", rtt)
}

// probe runs a full call: offer, join, answer, candidate exchange, a ping
// over a data channel and a hangup. It returns the ping's round trip time.
func probe(ctx context.Context, o probeOpt, l *slog.Logger) (time.Duration, error) {
	caller, err := newProbePeer(ctx, "caller", o.URL, o.CallID, o.STUN, l)
	if err != nil {
		return 0, err
	}
	callee, err := newProbePeer(ctx, "callee", o.URL, o.CallID, o.STUN, l)
	if err != nil {
		caller.close()
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(caller.listen)
	g.Go(callee.listen)

	rtt, err := runCall(gctx, o, caller, callee, l)

	caller.close()
	callee.close()
	if gErr := g.Wait(); gErr != nil {
		return 0, gErr
	}
	return rtt, err
}

func runCall(ctx context.Context, o probeOpt, caller, callee *probePeer, l *slog.Logger) (time.Duration, error) {
	var (
		sent   atomic.Int64
		result = make(chan time.Duration, 1)
	)

	dc, err := caller.pc.CreateDataChannel("probe", nil)
	if err != nil {
		return 0, fmt.Errorf("error creating data channel: %w", err)
	}
	dc.OnOpen(func() {
		sent.Store(time.Now().UnixNano())
		if err := dc.SendText("ping"); err != nil {
			l.Warn("error sending ping", "err", err)
		}
	})
	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		if string(m.Data) != "pong" {
			return
		}
		select {
		case result <- time.Since(time.Unix(0, sent.Load())):
		default:
		}
	})

	callee.pc.OnDataChannel(func(d *webrtc.DataChannel) {
		d.OnMessage(func(m webrtc.DataChannelMessage) {
			if string(m.Data) == "ping" {
				d.SendText("pong")
			}
		})
	})

	// Offer.
	offer, err := caller.pc.CreateOffer(nil)
	if err != nil {
		return 0, fmt.Errorf("error creating offer: %w", err)
	}
	if err := caller.pc.SetLocalDescription(offer); err != nil {
		return 0, fmt.Errorf("error setting local description: %w", err)
	}
	if err := caller.send(message{Type: "offer", Offer: caller.pc.LocalDescription()}); err != nil {
		return 0, err
	}
	if err := wait(ctx, caller.readyCh, "offer-success"); err != nil {
		return 0, err
	}
	l.Info("offer stored", "call", o.CallID)

	// Join. The relay pushes the offer right after join-success.
	if err := callee.send(message{Type: "join"}); err != nil {
		return 0, err
	}
	if err := wait(ctx, callee.readyCh, "join-success"); err != nil {
		return 0, err
	}

	cands, err := fetchCallerCandidates(ctx, o.URL, o.CallID)
	if err != nil {
		return 0, fmt.Errorf("error fetching offer snapshot: %w", err)
	}
	l.Debug("fetched caller candidates", "count", len(cands))
	for _, c := range cands {
		callee.addRemote(c)
	}

	var rtt time.Duration
	select {
	case rtt = <-result:
	case <-ctx.Done():
		return 0, fmt.Errorf("waiting for data channel: %w", ctx.Err())
	}

	if err := caller.send(message{Type: "hangup"}); err != nil {
		return 0, err
	}
	if err := wait(ctx, callee.hangupCh, "hangup"); err != nil {
		return 0, err
	}
	return rtt, nil
}

func wait(ctx context.Context, ch <-chan struct{}, what string) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", what, ctx.Err())
	}
}
