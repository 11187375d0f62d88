package fileimport

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectRows(t *testing.T, rowCh <-chan []string, errCh <-chan error) ([][]string, error) {
	t.Helper()
	var rows [][]string
	for row := range rowCh {
		rows = append(rows, row)
	}
	for err := range errCh {
		if err != nil {
			return rows, err
		}
	}
	return rows, nil
}

func TestStreamCSV(t *testing.T) {
	tests := []struct {
		name  string
		input string
		opts  CSVOptions
		want  [][]string
	}{
		{
			name:  "basic",
			input: "email,firstname\na@example.com,Ann\n",
			want:  [][]string{{"email", "firstname"}, {"a@example.com", "Ann"}},
		},
		{
			name:  "semicolon delimited",
			input: "email;firstname\na@example.com;Ann\n",
			opts:  CSVOptions{Delimiter: ';'},
			want:  [][]string{{"email", "firstname"}, {"a@example.com", "Ann"}},
		},
		{
			name:  "trims cells",
			input: " email , firstname \n a@example.com ,Ann\n",
			want:  [][]string{{"email", "firstname"}, {"a@example.com", "Ann"}},
		},
		{
			name:  "ragged rows",
			input: "email,firstname,lastname\na@example.com\n",
			want:  [][]string{{"email", "firstname", "lastname"}, {"a@example.com"}},
		},
		{
			name:  "comments",
			input: "# exported 2026-01-01\nemail\na@example.com\n",
			opts:  CSVOptions{Comment: '#'},
			want:  [][]string{{"email"}, {"a@example.com"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(tt.input), tt.opts)
			rows, err := collectRows(t, rowCh, errCh)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rows)
		})
	}
}

func TestStreamCSV_BadQuote(t *testing.T) {
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader("a,\"b\nc"), CSVOptions{})
	_, err := collectRows(t, rowCh, errCh)
	assert.Error(t, err)
}

func TestStreamCSV_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rowCh, errCh := StreamCSV(ctx, strings.NewReader("a\nb\n"), CSVOptions{})
	_, err := collectRows(t, rowCh, errCh)
	assert.ErrorIs(t, err, context.Canceled)
}
