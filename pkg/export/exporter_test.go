package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVExporterPadsShortRows(t *testing.T) {
	out, err := NewCSVExporter().Render(Dataset{
		Headers: []string{"symbol", "direction", "notes"},
		Rows:    [][]string{{"BTCUSDT", "BUY", "breakout, retest"}, {"ETHUSDT"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "symbol,direction,notes\nBTCUSDT,BUY,\"breakout, retest\"\nETHUSDT,,\n", string(out))
}

func TestExportersRequireHeaders(t *testing.T) {
	_, err := NewCSVExporter().Render(Dataset{})
	assert.ErrorIs(t, err, ErrNoColumns)

	_, err = NewPDFExporter().Render(Dataset{})
	assert.ErrorIs(t, err, ErrNoColumns)
}

func TestPDFExporterRendersDocument(t *testing.T) {
	headers := []string{"a", "b", "c", "d", "e", "f", "g"}
	rows := make([][]string, 0, 80)
	for i := 0; i < 80; i++ {
		rows = append(rows, []string{"1", "2", "3", "4", "5", "6", "7"})
	}

	out, err := NewPDFExporter().Render(Dataset{Title: "Signals", Headers: headers, Rows: rows})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
}
