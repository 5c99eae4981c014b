package testutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Fixture IDs served by CivitAIServer.
const (
	CheckpointModelID = 100
	CheckpointV2      = 1002
	CheckpointV1      = 1001
	LoraModelID       = 200
	LoraVersionID     = 2001
	EarlyModelID      = 300
	EarlyVersionID    = 3001
	PreviewImageID    = 555
	ParamsImageID     = 556
)

// ImageParameters is the text embedded in the ParamsImageID PNG.
const ImageParameters = "a castle on a hill\nNegative prompt: blurry\nSteps: 20, Sampler: Euler a, CFG scale: 7, Seed: 42, Size: 512x768"

// FileBytes is the deterministic content served for a fixture file name: a
// well-formed safetensors file with one U8 tensor.
func FileBytes(name string) []byte {
	data := bytes.Repeat([]byte("civitai:"+name+";"), 64)
	hdr := fmt.Sprintf(`{"__metadata__":{"ss_base_model_version":"sd_v1"},"weights":{"dtype":"U8","shape":[%d],"data_offsets":[0,%d]}}`, len(data), len(data))
	out := make([]byte, 8, 8+len(hdr)+len(data))
	binary.LittleEndian.PutUint64(out, uint64(len(hdr)))
	out = append(out, hdr...)
	return append(out, data...)
}

// FileSHA256 is the uppercase hex digest of FileBytes(name), as the API reports it.
func FileSHA256(name string) string {
	sum := sha256.Sum256(FileBytes(name))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// CivitAIServer is a fake CivitAI REST API backed by a small fixed catalogue.
type CivitAIServer struct {
	*httptest.Server

	// BaseModelsBody is returned (status 400) for ?baseModels=GetModels.
	BaseModelsBody string

	mu       sync.Mutex
	requests []string
	files    map[int64]string // version id -> file name
}

func NewCivitAIServer() *CivitAIServer {
	s := &CivitAIServer{
		BaseModelsBody: `{"error":{"issues":[{"unionErrors":[{"issues":[{"options":["SD 1.5","SDXL 1.0","Pony"]}]}]}]}}`,
		files: map[int64]string{
			CheckpointV2:   "epicrealism_v2.safetensors",
			CheckpointV1:   "epicrealism_v1.safetensors",
			LoraVersionID:  "detail_tweaker.safetensors",
			EarlyVersionID: "early_bird.safetensors",
		},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Requests returns the request paths (with query) seen so far.
func (s *CivitAIServer) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Hits counts requests whose path starts with prefix.
func (s *CivitAIServer) Hits(prefix string) int {
	n := 0
	for _, r := range s.Requests() {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func (s *CivitAIServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.URL.RequestURI())
	s.mu.Unlock()

	p := r.URL.Path
	switch {
	case p == "/api/v1/models":
		if r.URL.Query().Get("baseModels") == "GetModels" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(s.BaseModelsBody))
			return
		}
		s.search(w, r)
	case strings.HasPrefix(p, "/api/v1/models/"):
		id, _ := strconv.ParseInt(strings.TrimPrefix(p, "/api/v1/models/"), 10, 64)
		for _, m := range s.models() {
			if m["id"] == id {
				writeJSON(w, m)
				return
			}
		}
		http.Error(w, `{"error":"No model with id"}`, http.StatusNotFound)
	case strings.HasPrefix(p, "/api/v1/model-versions/by-hash/"):
		h := strings.ToUpper(strings.TrimPrefix(p, "/api/v1/model-versions/by-hash/"))
		for vid, name := range s.files {
			if FileSHA256(name) == h {
				writeJSON(w, s.versionResponse(vid))
				return
			}
		}
		http.Error(w, `{"error":"Model not found"}`, http.StatusNotFound)
	case strings.HasPrefix(p, "/api/v1/model-versions/"):
		id, _ := strconv.ParseInt(strings.TrimPrefix(p, "/api/v1/model-versions/"), 10, 64)
		if _, ok := s.files[id]; !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		writeJSON(w, s.versionResponse(id))
	case p == "/api/v1/images":
		id, _ := strconv.ParseInt(r.URL.Query().Get("imageId"), 10, 64)
		items := []any{}
		if id == PreviewImageID {
			items = append(items, map[string]any{"id": PreviewImageID, "url": s.URL + "/images/555.png", "meta": previewMeta()})
		}
		writeJSON(w, map[string]any{"items": items, "metadata": map[string]any{}})
	case strings.HasPrefix(p, "/api/download/models/"):
		id, _ := strconv.ParseInt(strings.TrimPrefix(p, "/api/download/models/"), 10, 64)
		name, ok := s.files[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
		http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(FileBytes(name)))
	case p == "/images/555.png":
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(PNGWithText("Software", "test"))
	case p == "/images/556.png":
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(PNGWithText("parameters", ImageParameters))
	default:
		http.NotFound(w, r)
	}
}

func (s *CivitAIServer) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	page, _ := strconv.Atoi(q.Get("page"))
	if page <= 0 {
		page = 1
	}
	types := q["types"]
	query := strings.ToLower(q.Get("query"))
	var matched []map[string]any
	for _, m := range s.models() {
		if len(types) > 0 && !contains(types, m["type"].(string)) {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(m["name"].(string)), query) {
			continue
		}
		if u := q.Get("username"); u != "" && u != "tester" {
			continue
		}
		matched = append(matched, m)
	}
	total := len(matched)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	meta := map[string]any{
		"totalItems":  total,
		"currentPage": page,
		"pageSize":    limit,
		"totalPages":  (total + limit - 1) / limit,
	}
	if end < total {
		nq := r.URL.Query()
		nq.Set("page", strconv.Itoa(page+1))
		meta["nextPage"] = s.URL + "/api/v1/models?" + nq.Encode()
	}
	if page > 1 {
		pq := r.URL.Query()
		pq.Set("page", strconv.Itoa(page-1))
		meta["prevPage"] = s.URL + "/api/v1/models?" + pq.Encode()
	}
	items := matched[start:end]
	if items == nil {
		items = []map[string]any{}
	}
	writeJSON(w, map[string]any{"items": items, "metadata": meta})
}

func (s *CivitAIServer) file(versionID int64) map[string]any {
	name := s.files[versionID]
	return map[string]any{
		"id":          versionID * 10,
		"name":        name,
		"sizeKB":      float64(len(FileBytes(name))) / 1024,
		"type":        "Model",
		"primary":     true,
		"metadata":    map[string]any{"fp": "fp16", "size": "pruned", "format": "SafeTensor"},
		"hashes":      map[string]any{"SHA256": FileSHA256(name), "AutoV2": FileSHA256(name)[:10]},
		"downloadUrl": fmt.Sprintf("%s/api/download/models/%d", s.URL, versionID),
	}
}

func (s *CivitAIServer) version(id, modelID int64, name, base string, words []string, published string) map[string]any {
	v := map[string]any{
		"id":           id,
		"modelId":      modelID,
		"name":         name,
		"description":  "<p>" + name + " notes</p>",
		"baseModel":    base,
		"trainedWords": words,
		"createdAt":    published,
		"publishedAt":  published,
		"downloadUrl":  fmt.Sprintf("%s/api/download/models/%d", s.URL, id),
		"files":        []any{s.file(id)},
		"images": []any{
			map[string]any{"id": PreviewImageID, "url": s.URL + "/images/555.png", "nsfwLevel": 1, "width": 512, "height": 768, "type": "image", "meta": previewMeta()},
			map[string]any{"id": ParamsImageID, "url": s.URL + "/images/556.png", "nsfwLevel": 1, "width": 512, "height": 768, "type": "image"},
		},
		"stats": map[string]any{"downloadCount": 10, "rating": 5},
	}
	if id == EarlyVersionID {
		v["availability"] = "EarlyAccess"
		v["earlyAccessEndsAt"] = time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339)
	}
	return v
}

func (s *CivitAIServer) models() []map[string]any {
	return []map[string]any{
		{
			"id": int64(CheckpointModelID), "name": "Epic Realism", "type": "Checkpoint", "nsfw": false,
			"description": "<p>Photorealistic checkpoint</p>",
			"tags":        []string{"photorealistic", "base model"},
			"creator":     map[string]any{"username": "tester"},
			"stats":       map[string]any{"downloadCount": 1000, "thumbsUpCount": 50},
			"modelVersions": []any{
				s.version(CheckpointV2, CheckpointModelID, "v2", "SD 1.5", nil, "2024-03-05T10:00:00Z"),
				s.version(CheckpointV1, CheckpointModelID, "v1", "SD 1.5", nil, "2024-01-10T10:00:00Z"),
			},
		},
		{
			"id": int64(LoraModelID), "name": "Detail Tweaker", "type": "LORA", "nsfw": false,
			"description": "<p>Adds detail</p>",
			"tags":        []string{"detail"},
			"creator":     map[string]any{"username": "tester"},
			"stats":       map[string]any{"downloadCount": 500},
			"modelVersions": []any{
				s.version(LoraVersionID, LoraModelID, "v1.0", "SDXL 1.0", []string{"detailed", "intricate"}, "2024-02-20T10:00:00Z"),
			},
		},
		{
			"id": int64(EarlyModelID), "name": "Early Bird", "type": "LORA", "nsfw": false,
			"creator": map[string]any{"username": "other"},
			"modelVersions": []any{
				s.version(EarlyVersionID, EarlyModelID, "preview", "Pony", nil, "2024-04-01T10:00:00Z"),
			},
		},
	}
}

// versionResponse is a model-versions payload, which embeds a model summary.
func (s *CivitAIServer) versionResponse(id int64) map[string]any {
	for _, m := range s.models() {
		for _, raw := range m["modelVersions"].([]any) {
			v := raw.(map[string]any)
			if v["id"] == id {
				v["model"] = map[string]any{"name": m["name"], "type": m["type"], "nsfw": false, "poi": false}
				return v
			}
		}
	}
	return nil
}

func previewMeta() map[string]any {
	return map[string]any{
		"prompt":         "portrait of a knight",
		"negativePrompt": "lowres",
		"Steps":          float64(30),
		"Sampler":        "DPM++ 2M Karras",
		"CFG scale":      float64(6.5),
		"Seed":           float64(1234),
		"Size":           "512x768",
		"Model":          "epicrealism_v2",
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// PNGWithText builds a minimal 1x1 PNG carrying one tEXt chunk.
func PNGWithText(key, text string) []byte {
	var b bytes.Buffer
	b.Write([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], 1)
	binary.BigEndian.PutUint32(ihdr[4:8], 1)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 0 // grayscale
	writeChunk(&b, "IHDR", ihdr)
	writeChunk(&b, "tEXt", append(append([]byte(key), 0), []byte(text)...))
	// zlib stream for one filter byte and one pixel
	writeChunk(&b, "IDAT", []byte{0x78, 0x9c, 0x62, 0x60, 0x00, 0x00, 0x00, 0x02, 0x00, 0x01})
	writeChunk(&b, "IEND", nil)
	return b.Bytes()
}

func writeChunk(b *bytes.Buffer, typ string, data []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(data)))
	b.Write(n[:])
	b.WriteString(typ)
	b.Write(data)
	crc := crc32.NewIEEE()
	crc.Write([]byte(typ))
	crc.Write(data)
	binary.BigEndian.PutUint32(n[:], crc.Sum32())
	b.Write(n[:])
}
