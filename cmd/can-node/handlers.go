package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/candump"
	"github.com/kstaniek/go-can-node/internal/catalog"
	"github.com/kstaniek/go-can-node/internal/dispatch"
	"github.com/kstaniek/go-can-node/internal/driver"
	"github.com/kstaniek/go-can-node/internal/transport"
)

const rxLogQueue = 256

// filterSpec is one ch:mask:id registration.
type filterSpec struct {
	ch   can.ChannelID
	mask uint32
	id   uint32
}

func (f filterSpec) String() string {
	return fmt.Sprintf("%s:0x%03X:0x%03X", f.ch, f.mask, f.id)
}

// parseFilters reads a comma separated ch:mask:id list. Numbers accept
// 0x, 0o and 0b prefixes.
func parseFilters(s string) ([]filterSpec, error) {
	var out []filterSpec
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("filter %q: want ch:mask:id", item)
		}
		ch, err := can.ParseChannel(parts[0])
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", item, err)
		}
		mask, err := parseID(parts[1])
		if err != nil {
			return nil, fmt.Errorf("filter %q: mask: %w", item, err)
		}
		id, err := parseID(parts[2])
		if err != nil {
			return nil, fmt.Errorf("filter %q: id: %w", item, err)
		}
		if id&^mask != 0 {
			return nil, fmt.Errorf("filter %q: id has bits outside the mask and can never match", item)
		}
		out = append(out, filterSpec{ch: ch, mask: mask, id: id})
	}
	return out, nil
}

func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, err
	}
	if v > can.SFFMask {
		return 0, fmt.Errorf("0x%X exceeds 11 bits", v)
	}
	return uint32(v), nil
}

// register adds r on every filter. The first failure is fatal for the
// caller (a full table is a configuration error).
func register(drv *driver.Driver, specs []filterSpec, r func(can.ChannelID) dispatch.Receiver) error {
	for _, f := range specs {
		if err := drv.RegisterHandler(f.ch, f.mask, f.id, r(f.ch)); err != nil {
			return err
		}
	}
	return nil
}

type rxEvent struct {
	ch can.ChannelID
	fr can.Frame
}

// rxLogger logs matching frames from a worker goroutine, naming them from
// the packet catalog when one is loaded.
type rxLogger struct {
	cat *catalog.Catalog
	l   *slog.Logger
	tx  *transport.AsyncTx[rxEvent]
}

func newRxLogger(ctx context.Context, cat *catalog.Catalog, l *slog.Logger) *rxLogger {
	r := &rxLogger{cat: cat, l: l}
	r.tx = transport.NewAsyncTx(ctx, rxLogQueue, r.log, transport.Hooks{})
	return r
}

func (r *rxLogger) receiver(ch can.ChannelID) dispatch.Receiver {
	return dispatch.ReceiverFunc(func(fr can.Frame) { _ = r.tx.Send(rxEvent{ch: ch, fr: fr}) })
}

func (r *rxLogger) log(ev rxEvent) error {
	r.l.Info("can_rx", r.attrs(ev)...)
	return nil
}

func (r *rxLogger) attrs(ev rxEvent) []any {
	attrs := []any{"channel", ev.ch.String(), "frame", candump.Format(ev.fr)}
	p, ok := r.cat.Lookup(ev.fr.ID)
	if !ok {
		return attrs
	}
	attrs = append(attrs, "packet", p.Name)
	v, err := p.Decode(ev.fr)
	if err != nil {
		return append(attrs, "decode_error", err.Error())
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]any, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, slog.Float64(k, v[k]))
	}
	return append(attrs, slog.Group("fields", fields...))
}

func (r *rxLogger) Close() { r.tx.Close() }
