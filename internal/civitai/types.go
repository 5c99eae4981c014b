package civitai

import (
	"fmt"
	"strings"
	"time"
)

type Creator struct {
	Username string `json:"username"`
	Image    string `json:"image,omitempty"`
}

type Stats struct {
	DownloadCount int     `json:"downloadCount"`
	FavoriteCount int     `json:"favoriteCount"`
	ThumbsUpCount int     `json:"thumbsUpCount"`
	CommentCount  int     `json:"commentCount"`
	Rating        float64 `json:"rating"`
	RatingCount   int     `json:"ratingCount"`
}

type Model struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	Type          string    `json:"type"`
	NSFW          bool      `json:"nsfw"`
	POI           bool      `json:"poi"`
	Tags          []string  `json:"tags"`
	Creator       Creator   `json:"creator"`
	Stats         Stats     `json:"stats"`
	ModelVersions []Version `json:"modelVersions"`
}

// Label is the text shown in model dropdowns: "name (id)".
func (m Model) Label() string {
	return fmt.Sprintf("%s (%d)", m.Name, m.ID)
}

// Latest returns the version with the highest ID.
func (m Model) Latest() (Version, bool) {
	if len(m.ModelVersions) == 0 {
		return Version{}, false
	}
	best := m.ModelVersions[0]
	for _, v := range m.ModelVersions[1:] {
		if v.ID > best.ID {
			best = v
		}
	}
	return best, true
}

// ModelRef is the abbreviated model embedded in version responses.
type ModelRef struct {
	Name string `json:"name"`
	Type string `json:"type"`
	NSFW bool   `json:"nsfw"`
	POI  bool   `json:"poi"`
}

type Version struct {
	ID                int64      `json:"id"`
	ModelID           int64      `json:"modelId"`
	Name              string     `json:"name"`
	Description       string     `json:"description"`
	BaseModel         string     `json:"baseModel"`
	TrainedWords      []string   `json:"trainedWords"`
	CreatedAt         time.Time  `json:"createdAt"`
	PublishedAt       *time.Time `json:"publishedAt"`
	Availability      string     `json:"availability,omitempty"`
	EarlyAccessEndsAt *time.Time `json:"earlyAccessEndsAt,omitempty"`
	DownloadURL       string     `json:"downloadUrl"`
	Files             []File     `json:"files"`
	Images            []Image    `json:"images"`
	Stats             Stats      `json:"stats"`
	Model             *ModelRef  `json:"model,omitempty"`
}

// EarlyAccess reports whether the version is still restricted at now.
func (v Version) EarlyAccess(now time.Time) bool {
	if strings.EqualFold(v.Availability, "EarlyAccess") {
		return true
	}
	return v.EarlyAccessEndsAt != nil && v.EarlyAccessEndsAt.After(now)
}

// Published is PublishedAt when present, else CreatedAt.
func (v Version) Published() time.Time {
	if v.PublishedAt != nil && !v.PublishedAt.IsZero() {
		return *v.PublishedAt
	}
	return v.CreatedAt
}

// PrimaryFile picks the file marked primary, then the first "Model" file,
// then the first file.
func (v Version) PrimaryFile() (File, bool) {
	if len(v.Files) == 0 {
		return File{}, false
	}
	for _, f := range v.Files {
		if f.Primary {
			return f, true
		}
	}
	for _, f := range v.Files {
		if strings.EqualFold(f.Type, "Model") {
			return f, true
		}
	}
	return v.Files[0], true
}

// FileByName returns the file with the given name.
func (v Version) FileByName(name string) (File, bool) {
	for _, f := range v.Files {
		if f.Name == name {
			return f, true
		}
	}
	return File{}, false
}

type FileMetadata struct {
	FP     string `json:"fp,omitempty"`
	Size   string `json:"size,omitempty"`
	Format string `json:"format,omitempty"`
}

type Hashes struct {
	SHA256 string `json:"SHA256,omitempty"`
	AutoV2 string `json:"AutoV2,omitempty"`
	BLAKE3 string `json:"BLAKE3,omitempty"`
	CRC32  string `json:"CRC32,omitempty"`
}

type File struct {
	ID               int64        `json:"id"`
	Name             string       `json:"name"`
	SizeKB           float64      `json:"sizeKB"`
	Type             string       `json:"type"`
	Primary          bool         `json:"primary,omitempty"`
	Metadata         FileMetadata `json:"metadata"`
	Hashes           Hashes       `json:"hashes"`
	DownloadURL      string       `json:"downloadUrl"`
	PickleScanResult string       `json:"pickleScanResult,omitempty"`
	VirusScanResult  string       `json:"virusScanResult,omitempty"`
}

// SizeBytes converts the API's KB figure to bytes.
func (f File) SizeBytes() int64 {
	return int64(f.SizeKB * 1024)
}

type Image struct {
	ID        int64          `json:"id"`
	URL       string         `json:"url"`
	NSFWLevel int            `json:"nsfwLevel"`
	Width     int            `json:"width"`
	Height    int            `json:"height"`
	Hash      string         `json:"hash,omitempty"`
	Type      string         `json:"type,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// IsVideo reports whether the preview is a video clip rather than a still.
func (i Image) IsVideo() bool {
	if strings.EqualFold(i.Type, "video") {
		return true
	}
	u := strings.ToLower(i.URL)
	return strings.HasSuffix(u, ".mp4") || strings.HasSuffix(u, ".webm")
}

type PageMetadata struct {
	TotalItems  int    `json:"totalItems,omitempty"`
	CurrentPage int    `json:"currentPage,omitempty"`
	PageSize    int    `json:"pageSize,omitempty"`
	TotalPages  int    `json:"totalPages,omitempty"`
	NextPage    string `json:"nextPage,omitempty"`
	PrevPage    string `json:"prevPage,omitempty"`
	NextCursor  any    `json:"nextCursor,omitempty"`
}

type ModelsPage struct {
	Items    []Model      `json:"items"`
	Metadata PageMetadata `json:"metadata"`
}

type imagesPage struct {
	Items []Image `json:"items"`
}
