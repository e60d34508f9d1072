package configloader

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// PrintConfig выводит конфиг в читаемом виде.
func PrintConfig(v interface{}) {
	FprintConfig(os.Stdout, v)
}

// FprintConfig пишет конфиг в w в виде JSON.
func FprintConfig(w io.Writer, v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, "Loaded configuration:\n", string(b))
}
