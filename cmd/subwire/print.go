package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	diffpatch "github.com/sergi/go-diff/diffmatchpatch"

	"github.com/subwire/subwire/api"
	"github.com/subwire/subwire/client"
)

// framePrinter renders inbound frames for the terminal. With diffing
// enabled, each next payload is shown as a character diff against the
// previous one for the same operation id.
type framePrinter struct {
	out  io.Writer
	diff bool

	typeColor func(string, ...any) string
	errColor  func(string, ...any) string

	prev map[string]string // id -> last pretty payload
}

func newFramePrinter(out io.Writer, diff, forceColor bool) *framePrinter {
	p := &framePrinter{
		out:       out,
		diff:      diff,
		typeColor: fmt.Sprintf,
		errColor:  fmt.Sprintf,
		prev:      map[string]string{},
	}
	if forceColor || writerIsTerminal(out) {
		p.typeColor = color.CyanString
		p.errColor = color.RedString
	}
	return p
}

func writerIsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd())
}

func (p *framePrinter) print(frame *client.Frame) {
	if frame.Err != nil {
		fmt.Fprintf(p.out, "%s %s\n", p.errColor("%d:", frame.Err.Code), frame.Err.Message)
		return
	}
	resp := frame.Response
	switch resp.Type {
	case api.TypeConnectionAck:
		fmt.Fprintf(p.out, "%s\n", p.typeColor("connection_ack"))
	case api.TypeComplete:
		fmt.Fprintf(p.out, "%s id=%s\n", p.typeColor("complete"), resp.ID)
	case api.TypeError:
		fmt.Fprintf(p.out, "%s id=%s %s\n", p.errColor("error"), resp.ID, pretty(resp.Payload))
	case api.TypeNext:
		p.printNext(resp)
	default:
		fmt.Fprintf(p.out, "%s %s\n", p.typeColor(resp.Type), pretty(resp.Payload))
	}
}

func (p *framePrinter) printNext(resp *api.Response) {
	cur := pretty(resp.Payload)
	if p.diff {
		if prev, ok := p.prev[resp.ID]; ok {
			fmt.Fprintf(p.out, "%s id=%s\n%s\n", p.typeColor("next"), resp.ID, prettyDiff(prev, cur))
			p.prev[resp.ID] = cur
			return
		}
		p.prev[resp.ID] = cur
	}
	fmt.Fprintf(p.out, "%s id=%s\n%s\n", p.typeColor("next"), resp.ID, cur)
}

func pretty(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// prettyDiff renders a character diff between two payload renderings.
func prettyDiff(from, to string) string {
	dmp := diffpatch.New()
	diffs := dmp.DiffMain(from, to, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	return dmp.DiffPrettyText(diffs)
}
