// Package library manages the local model tree: where each content type
// lives, subfolder discovery, scans against CivitAI and the files written
// next to each model.
package library

import (
	"path/filepath"
	"strings"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/settings"
)

// CombinedLORA is the merged LoRA choice shown when browser.use_lora is set.
const CombinedLORA = "LORA, LoCon, DoRA"

// SameTypePlaceholder is shown in the selection subfolder dropdown when the
// selected files do not share a content type.
const SameTypePlaceholder = "Only available if the selected files are of the same model type"

// UpscalerTypes are the upscaler families, each with its own folder.
var UpscalerTypes = []string{"SWINIR", "REALESRGAN", "GFPGAN", "BSRGAN", "ESRGAN"}

var upscalerDirs = map[string]string{
	"SWINIR":     "SwinIR",
	"REALESRGAN": "RealESRGAN",
	"GFPGAN":     "GFPGAN",
	"BSRGAN":     "BSRGAN",
	"ESRGAN":     "ESRGAN",
}

// Folders relative to models_root. Paths starting with ../ sit beside it in
// the WebUI install.
var defaultFolders = map[string]string{
	"Checkpoint":        "Stable-diffusion",
	"LORA":              "Lora",
	"LoCon":             "Lora",
	"DoRA":              "Lora",
	"TextualInversion":  "../embeddings",
	"Hypernetwork":      "hypernetworks",
	"AestheticGradient": "../extensions/stable-diffusion-webui-aesthetic-gradients/aesthetic_embeddings",
	"Controlnet":        "ControlNet",
	"Poses":             "Poses",
	"MotionModule":      "../extensions/sd-webui-animatediff/model",
	"VAE":               "VAE",
	"Wildcards":         "../extensions/sd-dynamic-prompts/wildcards",
	"Workflows":         "Workflows",
	"Other":             "Other",
}

// ContentTypes lists the content type choices in display order.
func ContentTypes(useLORA bool) []string {
	out := []string{"Checkpoint", "TextualInversion", "Hypernetwork", "AestheticGradient"}
	if useLORA {
		out = append(out, CombinedLORA)
	} else {
		out = append(out, "LORA", "LoCon", "DoRA")
	}
	return append(out, "Controlnet", "Poses", "Upscaler", "MotionModule", "VAE", "Wildcards", "Workflows", "Other")
}

// ScanChoices is ContentTypes with a leading "All".
func ScanChoices(useLORA bool) []string {
	return append([]string{"All"}, ContentTypes(useLORA)...)
}

// ExpandTypes resolves "All" and the combined LoRA choice into concrete API
// content types.
func ExpandTypes(types []string, useLORA bool) []string {
	var out []string
	seen := map[string]bool{}
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range types {
		switch t {
		case "All":
			for _, c := range ContentTypes(false) {
				add(c)
			}
		case CombinedLORA:
			add("LORA")
			add("LoCon")
			add("DoRA")
		default:
			add(t)
		}
	}
	return out
}

// Folder returns the directory for a content type. desc picks the upscaler
// family and is ignored for other types. config folders entries override
// the defaults; relative overrides are taken from models_root.
func Folder(cfg *config.Config, contentType, desc string) string {
	if contentType == CombinedLORA {
		contentType = "LORA"
	}
	root := cfg.General.ModelsRoot
	if contentType == "Upscaler" {
		d := strings.ToUpper(strings.TrimSpace(desc))
		if _, ok := upscalerDirs[d]; !ok {
			d = "ESRGAN"
		}
		if o := override(cfg, "Upscaler_"+d); o != "" {
			return abs(root, o)
		}
		return filepath.Join(root, upscalerDirs[d])
	}
	if o := override(cfg, contentType); o != "" {
		return abs(root, o)
	}
	rel, ok := defaultFolders[contentType]
	if !ok {
		rel = defaultFolders["Other"]
	}
	return filepath.Clean(filepath.Join(root, rel))
}

func override(cfg *config.Config, key string) string {
	if cfg.Folders == nil {
		return ""
	}
	return strings.TrimSpace(cfg.Folders[key])
}

func abs(root, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Clean(filepath.Join(root, p))
}

// DefaultSubfolderKey names the setting holding a content type's default
// subfolder: "<Type>_default_subfolder", "LORA_LoCon_default_subfolder"
// for merged LoRAs, "<DESC>_upscale_default_subfolder" for upscalers.
func DefaultSubfolderKey(contentType, desc string, useLORA bool) string {
	switch {
	case contentType == "Upscaler":
		d := strings.ToUpper(strings.TrimSpace(desc))
		if d == "" {
			d = "ESRGAN"
		}
		return d + "_upscale_default_subfolder"
	case contentType == CombinedLORA,
		useLORA && (contentType == "LORA" || contentType == "LoCon" || contentType == "DoRA"):
		return "LORA_LoCon_default_subfolder"
	default:
		return contentType + "_default_subfolder"
	}
}

// InstallPath is the directory a file of contentType goes to. An empty
// subfolder means the configured default for that type.
func InstallPath(cfg *config.Config, contentType, desc, subfolder string) string {
	main := Folder(cfg, contentType, desc)
	if subfolder == "" {
		subfolder = settings.DefaultSubfolder(cfg, DefaultSubfolderKey(contentType, desc, cfg.Browser.UseLORA))
	}
	return SelectSubfolder(main, subfolder)
}

// SelectSubfolder joins a dropdown choice onto the main folder. The empty
// choice, "None" and the placeholder select the main folder itself, as does
// any choice that would leave it.
func SelectSubfolder(main, sub string) string {
	sub = strings.TrimSpace(sub)
	if sub == "" || sub == "None" || sub == SameTypePlaceholder {
		return main
	}
	p := filepath.Join(main, strings.TrimLeft(filepath.FromSlash(sub), `/\`))
	if rel, err := filepath.Rel(main, p); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return main
	}
	return p
}
