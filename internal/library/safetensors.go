package library

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

const maxSafetensorsHeader = 64 << 20

// Safetensors summarizes a .safetensors header.
type Safetensors struct {
	HeaderLen int64
	Tensors   int
	// Declared is the file size the header accounts for.
	Declared int64
	Size     int64
	// Metadata is the free-form __metadata__ map trainers fill in.
	Metadata map[string]string
}

// Complete reports whether the file is exactly as long as its header says.
func (s Safetensors) Complete() bool { return s.Size == s.Declared }

type tensorInfo struct {
	DType       string  `json:"dtype"`
	Shape       []int64 `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func isSafetensors(path string) bool {
	l := strings.ToLower(path)
	return strings.HasSuffix(l, ".safetensors") || strings.HasSuffix(l, ".sft")
}

// ReadSafetensors parses and checks the header of a safetensors file: every
// tensor range must lie inside the data section and match its dtype and
// shape. A truncated file is not an error here; compare Declared and Size.
func ReadSafetensors(path string) (Safetensors, error) {
	var out Safetensors
	f, err := os.Open(path)
	if err != nil {
		return out, err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return out, err
	}
	out.Size = fi.Size()
	if out.Size < 8 {
		return out, fmt.Errorf("safetensors: file too small: %d", out.Size)
	}
	var hdrLen uint64
	if err := binary.Read(f, binary.LittleEndian, &hdrLen); err != nil {
		return out, err
	}
	if hdrLen == 0 || hdrLen > uint64(out.Size-8) || hdrLen > maxSafetensorsHeader {
		return out, fmt.Errorf("safetensors: invalid header length %d", hdrLen)
	}
	out.HeaderLen = int64(hdrLen)
	hdr := make([]byte, hdrLen)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return out, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(hdr, &raw); err != nil {
		return out, fmt.Errorf("safetensors: header json: %w", err)
	}

	var maxEnd int64
	for name, msg := range raw {
		if name == "__metadata__" {
			_ = json.Unmarshal(msg, &out.Metadata)
			continue
		}
		var t tensorInfo
		if err := json.Unmarshal(msg, &t); err != nil || len(t.DataOffsets) != 2 {
			return out, fmt.Errorf("safetensors: tensor %q: bad entry", name)
		}
		start, end := t.DataOffsets[0], t.DataOffsets[1]
		if start < 0 || end < start {
			return out, fmt.Errorf("safetensors: tensor %q: invalid range %d-%d", name, start, end)
		}
		if want := tensorBytes(t); want > 0 && end-start != want {
			return out, fmt.Errorf("safetensors: tensor %q: %d bytes, dtype and shape need %d", name, end-start, want)
		}
		if end > maxEnd {
			maxEnd = end
		}
		out.Tensors++
	}
	out.Declared = 8 + out.HeaderLen + maxEnd
	return out, nil
}

// VerifySafetensors fails unless path is a well-formed, complete
// safetensors file. Other files pass untouched.
func VerifySafetensors(path string) error {
	if !isSafetensors(path) {
		return nil
	}
	st, err := ReadSafetensors(path)
	if err != nil {
		return err
	}
	switch {
	case st.Size < st.Declared:
		return fmt.Errorf("safetensors: incomplete: have %d bytes, need %d", st.Size, st.Declared)
	case st.Size > st.Declared:
		return fmt.Errorf("safetensors: %d trailing bytes", st.Size-st.Declared)
	}
	return nil
}

// BaseModelHint guesses a base model from trainer metadata, for files
// CivitAI does not know.
func (s Safetensors) BaseModelHint() string {
	for _, k := range []string{"ss_base_model_version", "modelspec.architecture", "ss_sd_model_name"} {
		v := strings.ToLower(s.Metadata[k])
		switch {
		case v == "":
			continue
		case strings.Contains(v, "xl"):
			return "SDXL 1.0"
		case strings.Contains(v, "flux"):
			return "Flux.1 D"
		case strings.Contains(v, "v2") || strings.Contains(v, "sd2"):
			return "SD 2.1"
		case strings.Contains(v, "v1") || strings.Contains(v, "sd1") || strings.Contains(v, "1.5"):
			return "SD 1.5"
		}
	}
	return ""
}

func tensorBytes(t tensorInfo) int64 {
	size := dtypeBytes(t.DType)
	if size == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range t.Shape {
		if d < 0 {
			return 0
		}
		n *= d
	}
	return n * size
}

func dtypeBytes(dt string) int64 {
	switch strings.ToUpper(strings.TrimSpace(dt)) {
	case "F64", "I64", "U64":
		return 8
	case "F32", "I32", "U32":
		return 4
	case "F16", "BF16", "I16", "U16":
		return 2
	case "F8_E4M3", "F8_E4M3FN", "F8_E5M2", "I8", "U8", "BOOL":
		return 1
	default:
		return 0
	}
}
