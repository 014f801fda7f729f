package sqlstore

import "testing"

func TestRebind(t *testing.T) {
	tests := []struct {
		dialect Dialect
		in      string
		want    string
	}{
		{Question, `SELECT 1 FROM jobs WHERE id = ? AND status = ?`, `SELECT 1 FROM jobs WHERE id = ? AND status = ?`},
		{Dollar, `SELECT 1 FROM jobs WHERE id = ? AND status = ?`, `SELECT 1 FROM jobs WHERE id = $1 AND status = $2`},
		{Dollar, `UPDATE proxies SET usage_count = 0`, `UPDATE proxies SET usage_count = 0`},
	}

	for _, tt := range tests {
		s := &Store{dialect: tt.dialect}
		if got := s.rebind(tt.in); got != tt.want {
			t.Errorf("rebind(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}
