package queue

import (
	"context"
	"errors"
	"testing"
)

type ringBalancer struct {
	eps     []string
	next    int
	success []string
	failed  []string
}

func (b *ringBalancer) Len() int { return len(b.eps) }

func (b *ringBalancer) Get() string {
	ep := b.eps[b.next%len(b.eps)]
	b.next++
	return ep
}

func (b *ringBalancer) Success(ep string) { b.success = append(b.success, ep) }
func (b *ringBalancer) Failed(ep string)  { b.failed = append(b.failed, ep) }

type putTransport struct {
	failing map[string]bool
	puts    []string
}

func (p *putTransport) Get(context.Context, string) ([]byte, error)       { return nil, nil }
func (p *putTransport) MGet(context.Context, string, int) ([]byte, error) { return nil, nil }
func (p *putTransport) Stats(context.Context, string) (Stats, error)      { return Stats{}, nil }

func (p *putTransport) Put(_ context.Context, ep string, _ []byte) error {
	p.puts = append(p.puts, ep)
	if p.failing[ep] {
		return errors.New("connection refused")
	}
	return nil
}

func TestPutAny(t *testing.T) {
	tests := []struct {
		name        string
		failing     map[string]bool
		wantErr     bool
		wantEp      string
		wantPuts    int
		wantFailed  int
		wantSuccess int
	}{
		{name: "first endpoint accepts", wantEp: "a", wantPuts: 1, wantSuccess: 1},
		{name: "fails over to next", failing: map[string]bool{"a": true}, wantEp: "b", wantPuts: 2, wantFailed: 1, wantSuccess: 1},
		{name: "every endpoint down", failing: map[string]bool{"a": true, "b": true, "c": true}, wantErr: true, wantPuts: 3, wantFailed: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &ringBalancer{eps: []string{"a", "b", "c"}}
			tr := &putTransport{failing: tt.failing}
			var seen []string

			ep, err := PutAny(context.Background(), tr, b, []byte(`{}`), func(ep string, _ error) { seen = append(seen, ep) })
			if (err != nil) != tt.wantErr {
				t.Fatalf("PutAny() error = %v, wantErr %v", err, tt.wantErr)
			}
			if ep != tt.wantEp {
				t.Errorf("endpoint = %q, want %q", ep, tt.wantEp)
			}
			if len(tr.puts) != tt.wantPuts {
				t.Errorf("puts = %v, want %d", tr.puts, tt.wantPuts)
			}
			if len(b.failed) != tt.wantFailed || len(seen) != tt.wantFailed {
				t.Errorf("failed = %v, callback saw %v, want %d", b.failed, seen, tt.wantFailed)
			}
			if len(b.success) != tt.wantSuccess {
				t.Errorf("success = %v, want %d", b.success, tt.wantSuccess)
			}
		})
	}
}

func TestPutAnyEmptyBalancer(t *testing.T) {
	if _, err := PutAny(context.Background(), &putTransport{}, &ringBalancer{}, []byte(`{}`), nil); err == nil {
		t.Error("PutAny() error = nil with no endpoints")
	}
}
