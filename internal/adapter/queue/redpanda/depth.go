package redpanda

import (
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/altify/altify/internal/domain"
)

// DepthReader reports queue depth from the worker consumer group's lag.
// Kafka has no per-message ack ledger, so "unacked" is approximated as one
// in-flight message per active group member; the remainder of the lag is
// "ready". The split is conservative but the sum is exact.
type DepthReader struct {
	admin *kadm.Client
	group string
}

// NewDepthReader builds an admin client against brokers for the given
// consumer group.
func NewDepthReader(brokers []string, group string) (*DepthReader, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("redpanda admin client: %w", err)
	}
	return &DepthReader{admin: kadm.NewClient(client), group: group}, nil
}

// QueueDepth returns the ready and unacked message counts for queue.
func (d *DepthReader) QueueDepth(ctx domain.Context, queue string) (ready, unacked int64, err error) {
	lags, err := d.admin.Lag(ctx, d.group)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: group lag: %v", domain.ErrUnavailable, err)
	}
	gl, ok := lags[d.group]
	if !ok {
		return 0, 0, fmt.Errorf("%w: group %s not found", domain.ErrUnavailable, d.group)
	}
	if gl.FetchErr != nil {
		return 0, 0, fmt.Errorf("%w: fetch offsets: %v", domain.ErrUnavailable, gl.FetchErr)
	}
	if gl.DescribeErr != nil {
		return 0, 0, fmt.Errorf("%w: describe group: %v", domain.ErrUnavailable, gl.DescribeErr)
	}

	var total int64
	for topic, parts := range gl.Lag {
		if topic != queue {
			continue
		}
		for _, ml := range parts {
			if ml.Err != nil || ml.Lag < 0 {
				continue
			}
			total += ml.Lag
		}
	}

	unacked = int64(len(gl.Members))
	if unacked > total {
		unacked = total
	}
	return total - unacked, unacked, nil
}

// Close closes the underlying client.
func (d *DepthReader) Close() {
	d.admin.Close()
}
