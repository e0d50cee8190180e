package main

import (
	"fmt"
	"io"

	"github.com/lkarlslund/netfs/filesystem"
	"github.com/ugorji/go/codec"
)

type entryOutput struct {
	Path string `codec:"path"`
	Type string `codec:"type"`
}

type statOutput struct {
	Path string `codec:"path"`
	Size uint64 `codec:"size"`
	Type string `codec:"type"`
}

// printer encodes client results as JSON lines or msgpack.
type printer struct {
	w       io.Writer
	handle  codec.Handle
	newline bool
}

func newPrinter(w io.Writer, format string) (*printer, error) {
	switch format {
	case "json":
		var h codec.JsonHandle
		h.Indent = 2
		h.HTMLCharsAsIs = true
		return &printer{w: w, handle: &h, newline: true}, nil
	case "msgpack":
		var h codec.MsgpackHandle
		return &printer{w: w, handle: &h}, nil
	}
	return nil, fmt.Errorf("unknown output format %q", format)
}

func (p *printer) encode(v any) error {
	if err := codec.NewEncoder(p.w, p.handle).Encode(v); err != nil {
		return err
	}
	if p.newline {
		_, err := io.WriteString(p.w, "\n")
		return err
	}
	return nil
}

func (p *printer) entries(entries []filesystem.Entry) error {
	result := make([]entryOutput, len(entries))
	for i, e := range entries {
		result[i] = entryOutput{Path: e.Path, Type: e.Type.String()}
	}
	return p.encode(result)
}

func (p *printer) stat(path string, st filesystem.Stat) error {
	return p.encode(statOutput{Path: path, Size: st.Size, Type: st.Type.String()})
}
