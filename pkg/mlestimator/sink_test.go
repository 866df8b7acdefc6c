package mlestimator

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatRow(t *testing.T) {
	assert.Equal(t, "2.000000000000000000e+00 1.000000000000000056e-01 -5.000000000000000278e-02\n",
		FormatRow([]float64{2.0, 0.1, -0.05}))
	assert.Equal(t, "\n", FormatRow(nil))
}

func TestRowWriter_ConcurrentRowsDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	rw := NewRowWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, rw.Append([]float64{float64(i), float64(i) / 2}))
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 50)
	for _, l := range lines {
		fields := strings.Fields(l)
		require.Len(t, fields, 2)
		a, err := strconv.ParseFloat(fields[0], 64)
		require.NoError(t, err)
		b, err := strconv.ParseFloat(fields[1], 64)
		require.NoError(t, err)
		assert.Equal(t, a/2, b)
	}
}

func TestFileSink_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.txt")
	require.NoError(t, os.WriteFile(path, []byte("# size e1 e2\n"), 0o644))

	for _, row := range [][]float64{{1, 2}, {3, 4}} {
		s, err := OpenFileSink(path)
		require.NoError(t, err)
		require.NoError(t, s.Append(row))
		require.NoError(t, s.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# size e1 e2\n"+FormatRow([]float64{1, 2})+FormatRow([]float64{3, 4}), string(data))
}

func TestOpenFileSink_MissingDirectory(t *testing.T) {
	_, err := OpenFileSink(filepath.Join(t.TempDir(), "missing", "out.txt"))
	assert.Error(t, err)
}
