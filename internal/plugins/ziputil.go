package plugins

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"github.com/dshills/ctfever/internal/plugin"
)

// Zip record signatures and general purpose flag values.
var (
	zipLocalHeader   = []byte{0x50, 0x4b, 0x03, 0x04}
	zipCentralHeader = []byte{0x50, 0x4b, 0x01, 0x02}
	flagEncrypted    = []byte{0x09, 0x00}
	flagNone         = []byte{0x00, 0x00}
)

// Encryption verdicts of CheckPseudoEncryption.
const (
	EncryptionUnknown = -2
	NotEncrypted      = -1
	TrulyEncrypted    = 0
	PseudoEncrypted   = 1
)

// Ziputil inspects and forges the encryption flags of zip uploads.
type Ziputil struct {
	plugin.Base
}

// NewZiputil creates the ziputil plugin.
func NewZiputil(pctx *plugin.Context) (plugin.Plugin, error) {
	return &Ziputil{Base: plugin.NewBase(pctx)}, nil
}

func (z *Ziputil) Load(context.Context) plugin.LoadOutcome { return plugin.Ok() }

// ValidateParams requires a zip attachment.
func (z *Ziputil) ValidateParams(_ context.Context, args plugin.Args) string {
	att, ok := args.Attachment()
	if !ok {
		return errNoFile.Error()
	}
	if !bytes.HasPrefix(att.Content, zipLocalHeader) {
		return errNotZip.Error()
	}
	return ""
}

func (z *Ziputil) Capabilities() []plugin.Capability {
	return []plugin.Capability{
		{Name: "pseudo_check", Params: []string{plugin.AttachmentKey}, Handler: z.pseudoCheck},
		{Name: "convert_to_pseudo", Params: []string{plugin.AttachmentKey}, Handler: z.convertToPseudo},
	}
}

func (z *Ziputil) pseudoCheck(_ context.Context, args plugin.Args) (any, error) {
	content, err := zipContent(args)
	if err != nil {
		return nil, err
	}
	verdict, characteristics := CheckPseudoEncryption(content)
	return map[string]any{
		"assert":          verdict,
		"characteristics": characteristics,
	}, nil
}

// convertToPseudo stores a copy with both encryption flags set in the
// temporary directory and returns its path.
func (z *Ziputil) convertToPseudo(_ context.Context, args plugin.Args) (any, error) {
	content, err := zipContent(args)
	if err != nil {
		return nil, err
	}
	forged, err := ConvertToPseudo(content)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%d.zip", clock().Unix())
	path, _, err := z.Ctx.SaveTemporary(&plugin.Attachment{Filename: name, Content: forged}, "pseudo")
	if err != nil {
		return nil, err
	}
	if err := z.Ctx.KeepTemporary(0); err != nil {
		z.Logger().Warn("temporary retention failed", "error", err)
	}
	return map[string]any{"filename": filepath.Base(path), "path": path}, nil
}

func zipContent(args plugin.Args) ([]byte, error) {
	att, ok := args.Attachment()
	if !ok {
		return nil, errNoFile
	}
	if !bytes.HasPrefix(att.Content, zipLocalHeader) {
		return nil, errNotZip
	}
	return att.Content, nil
}

// CheckPseudoEncryption compares the encryption flag of the first local
// header with that of the first central directory header. The
// characteristics are bytes 3-10 of each header region.
func CheckPseudoEncryption(data []byte) (int, [][]int) {
	idx := bytes.Index(data, zipCentralHeader)
	local := window(data, 6, 8)
	central := window(data, idx+8, idx+10)
	characteristics := [][]int{ints(window(data, 3, 11)), ints(window(data, idx+5, idx+13))}
	if idx < 0 {
		return EncryptionUnknown, characteristics
	}

	switch {
	case bytes.Equal(local, flagNone) && bytes.Equal(central, flagNone),
		bytes.Equal(local, flagEncrypted) && bytes.Equal(central, flagNone):
		return NotEncrypted, characteristics
	case bytes.Equal(local, flagNone) && bytes.Equal(central, flagEncrypted):
		return PseudoEncrypted, characteristics
	case bytes.Equal(local, flagEncrypted) && bytes.Equal(central, flagEncrypted):
		return TrulyEncrypted, characteristics
	default:
		return EncryptionUnknown, characteristics
	}
}

// ConvertToPseudo sets the encryption flag in the first local header and
// the first central directory header.
func ConvertToPseudo(data []byte) ([]byte, error) {
	idx := bytes.Index(data, zipCentralHeader)
	if idx < 0 || len(data) < idx+10 || len(data) < 8 {
		return nil, errNoDirectory
	}
	out := bytes.Clone(data)
	copy(out[6:8], flagEncrypted)
	copy(out[idx+8:idx+10], flagEncrypted)
	return out, nil
}

// window returns data[lo:hi] clipped to the slice.
func window(data []byte, lo, hi int) []byte {
	if lo < 0 {
		lo = 0
	}
	if hi > len(data) {
		hi = len(data)
	}
	if lo >= hi {
		return nil
	}
	return data[lo:hi]
}

func ints(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}
