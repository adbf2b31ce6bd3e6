package gateway

import (
	"errors"

	"github.com/kstaniek/go-can-node/internal/metrics"
)

// Sentinels the server wraps with %w. Errors() delivers them wrapped.
var (
	ErrListen    = errors.New("gateway: listen")
	ErrAccept    = errors.New("gateway: accept")
	ErrHandshake = errors.New("gateway: handshake")
	ErrConnRead  = errors.New("gateway: client read")
	ErrConnWrite = errors.New("gateway: client write")
	ErrBusTx     = errors.New("gateway: bus send")
	ErrContext   = errors.New("gateway: cancelled")
)

// errLabels pairs each sentinel with its errors_total label. Socket-side
// failures on the listener share the tcp_read label.
var errLabels = [...]struct {
	err   error
	label string
}{
	{ErrConnRead, metrics.ErrTCPRead},
	{ErrAccept, metrics.ErrTCPRead},
	{ErrListen, metrics.ErrTCPRead},
	{ErrConnWrite, metrics.ErrTCPWrite},
	{ErrHandshake, metrics.ErrHandshake},
	{ErrBusTx, metrics.ErrGatewayTx},
	{ErrContext, "context"},
}

func mapErrToMetric(err error) string {
	for _, e := range errLabels {
		if errors.Is(err, e.err) {
			return e.label
		}
	}
	return "other"
}
