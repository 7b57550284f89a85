//go:build linux

package units

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

type dbusReader struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

// NewDBusReader connects to the systemd manager on the system bus.
func NewDBusReader(ctx context.Context) (Reader, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &dbusReader{conn: conn}, nil
}

func (r *dbusReader) States(ctx context.Context, names []string) (map[string]State, error) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("systemd connection is closed")
	}

	// ListUnitsByNames also returns units that are not loaded, with
	// LoadState "not-found".
	list, err := conn.ListUnitsByNamesContext(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	out := make(map[string]State, len(list))
	for _, u := range list {
		out[u.Name] = State{Active: u.ActiveState, Sub: u.SubState, Load: u.LoadState}
	}
	return out, nil
}

func (r *dbusReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	return nil
}
