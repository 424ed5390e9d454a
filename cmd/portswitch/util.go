package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/loykin/portswitch/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func printJSONLine(w io.Writer, v any) {
	b, _ := json.Marshal(v)
	_, _ = fmt.Fprintln(w, string(b))
}

// formatEvent renders an event as "15:04:05 [type] message".
func formatEvent(e client.LogEvent) string {
	var b strings.Builder
	if !e.Timestamp.IsZero() {
		b.WriteString(e.Timestamp.Local().Format("15:04:05"))
		b.WriteByte(' ')
	}
	b.WriteString("[" + e.Type + "] ")
	b.WriteString(e.Message)
	if e.Action != "" {
		b.WriteString(" (" + e.Action + ")")
	}
	return b.String()
}
