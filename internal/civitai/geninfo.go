package civitai

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
)

const maxImageBytes = 64 << 20

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// GenerationInfo returns the A1111 style generation parameters for an
// image: the PNG "parameters" text chunk when the file carries one,
// otherwise the meta the images API stores for it. An empty input yields
// an empty string.
func (c *Client) GenerationInfo(ctx context.Context, imageURL string) (string, error) {
	imageURL = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(imageURL), "url:"))
	if imageURL == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := c.Fetch(ctx, imageURL, &limitWriter{w: &buf, n: maxImageBytes}); err != nil {
		return "", err
	}
	if params, ok := PNGParameters(buf.Bytes()); ok && strings.TrimSpace(params) != "" {
		return params, nil
	}
	id, ok := imageIDFromURL(imageURL)
	if !ok {
		return "", nil
	}
	meta, err := c.imageMeta(ctx, id)
	if err != nil {
		return "", err
	}
	return FormatMeta(meta), nil
}

func (c *Client) imageMeta(ctx context.Context, id int64) (map[string]any, error) {
	q := url.Values{}
	q.Set("imageId", strconv.FormatInt(id, 10))
	var page imagesPage
	if err := c.getJSON(ctx, c.endpoint("/api/v1/images", q), fmt.Sprintf("image %d", id), true, &page); err != nil {
		return nil, err
	}
	for _, it := range page.Items {
		if it.ID == id || len(page.Items) == 1 {
			return it.Meta, nil
		}
	}
	return nil, nil
}

var imageIDRe = regexp.MustCompile(`^(\d+)$`)

// imageIDFromURL extracts the numeric file stem CivitAI uses for image IDs,
// e.g. .../width=450/12345.jpeg.
func imageIDFromURL(raw string) (int64, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return 0, false
	}
	stem := strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path))
	if !imageIDRe.MatchString(stem) {
		return 0, false
	}
	id, err := strconv.ParseInt(stem, 10, 64)
	return id, err == nil
}

// PNGParameters reads the "parameters" tEXt, zTXt or iTXt chunk written by
// Stable Diffusion front ends.
func PNGParameters(b []byte) (string, bool) {
	if len(b) < len(pngMagic) || !bytes.Equal(b[:len(pngMagic)], pngMagic) {
		return "", false
	}
	r := bytes.NewReader(b[len(pngMagic):])
	var hdr [8]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return "", false
		}
		n := binary.BigEndian.Uint32(hdr[:4])
		typ := string(hdr[4:8])
		if int64(n) > int64(r.Len()) {
			return "", false
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return "", false
		}
		if _, err := r.Seek(4, io.SeekCurrent); err != nil { // CRC
			return "", false
		}
		switch typ {
		case "tEXt", "zTXt", "iTXt":
			if key, text, err := decodeTextChunk(typ, data); err == nil && key == "parameters" {
				return text, true
			}
		case "IEND":
			return "", false
		}
	}
}

func decodeTextChunk(typ string, data []byte) (string, string, error) {
	i := bytes.IndexByte(data, 0)
	if i < 0 {
		return "", "", errors.New("no keyword terminator")
	}
	key, rest := string(data[:i]), data[i+1:]
	switch typ {
	case "tEXt":
		return key, latin1(rest), nil
	case "zTXt":
		if len(rest) < 1 {
			return key, "", errors.New("short zTXt")
		}
		s, err := inflate(rest[1:])
		return key, latin1(s), err
	}
	// iTXt: compression flag, method, language\0, translated keyword\0, text
	if len(rest) < 2 {
		return key, "", errors.New("short iTXt")
	}
	compressed := rest[0] == 1
	rest = rest[2:]
	for k := 0; k < 2; k++ {
		j := bytes.IndexByte(rest, 0)
		if j < 0 {
			return key, "", errors.New("bad iTXt header")
		}
		rest = rest[j+1:]
	}
	if compressed {
		s, err := inflate(rest)
		return key, string(s), err
	}
	return key, string(rest), nil
}

func inflate(b []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(io.LimitReader(zr, 1<<20))
}

func latin1(b []byte) string {
	r := make([]rune, len(b))
	for i, c := range b {
		r[i] = rune(c)
	}
	return string(r)
}

// metaOrder is the order A1111 prints its settings line in.
var metaOrder = []string{"Steps", "Sampler", "Schedule type", "CFG scale", "Seed", "Size", "Model hash", "Model", "Clip skip", "Denoising strength"}

// FormatMeta renders images API meta as an A1111 parameters block.
func FormatMeta(meta map[string]any) string {
	if len(meta) == 0 {
		return ""
	}
	var sb strings.Builder
	if p := metaString(meta["prompt"]); p != "" {
		sb.WriteString(p)
	}
	if n := metaString(meta["negativePrompt"]); n != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("Negative prompt: " + n)
	}
	var parts []string
	for _, k := range metaOrder {
		if v := metaString(meta[k]); v != "" {
			parts = append(parts, k+": "+v)
		}
	}
	if s := metaString(meta["sampler"]); s != "" && meta["Sampler"] == nil {
		parts = append(parts, "Sampler: "+s)
	}
	if s := metaString(meta["seed"]); s != "" && meta["Seed"] == nil {
		parts = append(parts, "Seed: "+s)
	}
	if s := metaString(meta["steps"]); s != "" && meta["Steps"] == nil {
		parts = append(parts, "Steps: "+s)
	}
	if s := metaString(meta["cfgScale"]); s != "" && meta["CFG scale"] == nil {
		parts = append(parts, "CFG scale: "+s)
	}
	if len(parts) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(strings.Join(parts, ", "))
	}
	return sb.String()
}

func metaString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case []any:
		var ss []string
		for _, e := range x {
			if s := metaString(e); s != "" {
				ss = append(ss, s)
			}
		}
		return strings.Join(ss, " ")
	default:
		return fmt.Sprint(x)
	}
}

type limitWriter struct {
	w io.Writer
	n int64
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > l.n {
		return 0, errors.New("image too large")
	}
	l.n -= int64(len(p))
	return l.w.Write(p)
}
