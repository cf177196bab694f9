package cyphal

import (
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// StatCounters is the mutable, atomic-backed counter set a transport
// updates from its own receive/send goroutines (spec.md §5: "transport
// statistics counters are written only from the transport's own task").
// Statistics() takes a consistent snapshot via atomic loads.
//
// Each counter is also exposed as a prometheus.Counter so a process
// embedding this library gets transport observability for free without
// polling Statistics() itself, grounded on rockstar-0000-aistore's and
// runZeroInc-sockstats' use of client_golang for exactly this kind of
// per-subsystem counter set.
type StatCounters struct {
	framesReceived        atomic.Uint64
	framesSent            atomic.Uint64
	transfersReceived     atomic.Uint64
	transfersSent         atomic.Uint64
	reassemblyErrors      atomic.Uint64
	transferIDRegressions atomic.Uint64
	sendFailures          atomic.Uint64

	promFramesReceived        prometheus.Counter
	promFramesSent            prometheus.Counter
	promTransfersReceived     prometheus.Counter
	promTransfersSent         prometheus.Counter
	promReassemblyErrors      prometheus.Counter
	promTransferIDRegressions prometheus.Counter
	promSendFailures          prometheus.Counter
}

// NewStatCounters builds a counter set labeled with the transport kind and
// an instance name (typically the media endpoint), and registers its
// prometheus counters against reg. Passing a nil registry skips prometheus
// registration entirely, which test transports do to avoid collisions
// across repeated NewTransport calls in the same process.
func NewStatCounters(reg prometheus.Registerer, kind TransportKind, instance string) *StatCounters {
	labels := prometheus.Labels{"transport": kind.String(), "instance": instance}
	mk := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "cyphal",
			Subsystem:   "transport",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		if reg != nil {
			if err := reg.Register(c); err != nil {
				var already prometheus.AlreadyRegisteredError
				if errors.As(err, &already) {
					// A counter re-registered under identical labels (e.g.
					// two virtual transports opened in sequence in a test)
					// is harmless: reuse the collector already registered
					// under that name rather than return one Register
					// rejected, which would leave it orphaned.
					if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
						return existing
					}
				} else {
					logrus.WithError(err).WithField("metric", name).Warn("cyphal: failed to register transport counter")
				}
			}
		}
		return c
	}
	return &StatCounters{
		promFramesReceived:        mk("frames_received_total", "Frames received from the media driver."),
		promFramesSent:            mk("frames_sent_total", "Frames accepted by the media driver."),
		promTransfersReceived:     mk("transfers_received_total", "Transfers successfully reassembled."),
		promTransfersSent:         mk("transfers_sent_total", "Transfers successfully submitted for transmission."),
		promReassemblyErrors:      mk("reassembly_errors_total", "Frames discarded during reassembly (CRC, toggle, or gap timeout)."),
		promTransferIDRegressions: mk("transfer_id_regressions_total", "Frames rejected for an out-of-window transfer-ID."),
		promSendFailures:          mk("send_failures_total", "Transmit attempts that failed."),
	}
}

func (s *StatCounters) FrameReceived()  { s.framesReceived.Add(1); s.promFramesReceived.Inc() }
func (s *StatCounters) FrameSent()      { s.framesSent.Add(1); s.promFramesSent.Inc() }
func (s *StatCounters) TransferReceived() {
	s.transfersReceived.Add(1)
	s.promTransfersReceived.Inc()
}
func (s *StatCounters) TransferSent() {
	s.transfersSent.Add(1)
	s.promTransfersSent.Inc()
}
func (s *StatCounters) ReassemblyError() {
	s.reassemblyErrors.Add(1)
	s.promReassemblyErrors.Inc()
}
func (s *StatCounters) TransferIDRegression() {
	s.transferIDRegressions.Add(1)
	s.promTransferIDRegressions.Inc()
}
func (s *StatCounters) SendFailure() {
	s.sendFailures.Add(1)
	s.promSendFailures.Inc()
}

func (s *StatCounters) Snapshot() Statistics {
	return Statistics{
		FramesReceived:        s.framesReceived.Load(),
		FramesSent:            s.framesSent.Load(),
		TransfersReceived:     s.transfersReceived.Load(),
		TransfersSent:         s.transfersSent.Load(),
		ReassemblyErrors:      s.reassemblyErrors.Load(),
		TransferIDRegressions: s.transferIDRegressions.Load(),
		SendFailures:          s.sendFailures.Load(),
	}
}
