// Package redact implements the pure (raw_metadata, mode) -> view
// transform that shapes an extractor's raw output according to the
// caller's frozen access mode. It is table-driven and deterministic: the
// same input and mode always produce the same view.
package redact

import "sort"

// Mode is the frozen access mode that governs which fields a view exposes.
type Mode string

const (
	ModePaid         Mode = "paid"
	ModeDeviceFree   Mode = "device_free"
	ModeTrialLimited Mode = "trial_limited"
)

// GPS is a geographic coordinate pair.
type GPS struct {
	Lat float64
	Lon float64
}

// Address is a structured postal address as resolved from GPS or EXIF.
type Address struct {
	Street  string
	City    string
	State   string
	Country string
}

// Thumbnail describes an embedded preview image.
type Thumbnail struct {
	Present bool
	Width   int
	Height  int
	Data    []byte
}

// RawMetadata is the extractor's unredacted output for one file.
type RawMetadata struct {
	EXIF              map[string]string
	Megapixels        float64
	AspectRatio       float64
	FileHashes        map[string]string // algorithm -> hex digest
	PerceptualHashes  map[string]string
	Thumbnail         Thumbnail
	GPS               *GPS
	OCRText           string
	Address           *Address
	FilesystemOwner   string
	FilesystemInode   uint64
	ExtendedAttrs     map[string]string
	EnterpriseModules map[string]interface{}
}

// View is the redacted, response-ready projection of RawMetadata for a
// given Mode.
type View struct {
	EXIF              map[string]string      `json:"exif,omitempty"`
	Megapixels        float64                 `json:"megapixels"`
	AspectRatio       float64                 `json:"aspect_ratio"`
	FileHashes        map[string]string       `json:"file_hashes,omitempty"`
	PerceptualHashes  map[string]string       `json:"perceptual_hashes,omitempty"`
	Thumbnail         *ThumbnailView          `json:"thumbnail,omitempty"`
	GPS               *GPS                    `json:"gps,omitempty"`
	OCRText           string                  `json:"ocr_text,omitempty"`
	Address           *Address                `json:"address,omitempty"`
	FilesystemOwner   string                  `json:"filesystem_owner,omitempty"`
	FilesystemInode   uint64                  `json:"filesystem_inode,omitempty"`
	ExtendedAttrs     map[string]string       `json:"extended_attrs,omitempty"`      // paid only, full values
	ExtendedAttrKeys  []string                `json:"extended_attr_keys,omitempty"` // device_free only, values redacted
	EnterpriseModules map[string]interface{} `json:"enterprise_modules,omitempty"`
}

// ThumbnailView is the redacted projection of a Thumbnail: full binary data
// for paid, presence/dimensions only for device_free, absent for trial_limited.
type ThumbnailView struct {
	Present bool   `json:"present"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Data    []byte `json:"data,omitempty"`
}

// Apply produces the View for raw under mode. It never panics on a nil
// pointer field in raw; absent input fields simply produce absent output.
func Apply(raw RawMetadata, mode Mode) View {
	v := View{
		Megapixels:        raw.Megapixels,
		AspectRatio:       raw.AspectRatio,
		FileHashes:        raw.FileHashes, // full in all three modes
		EnterpriseModules: modeEnterpriseModules(raw, mode),
	}

	if mode != ModeTrialLimited {
		v.EXIF = raw.EXIF
	}
	if mode != ModeTrialLimited {
		v.PerceptualHashes = raw.PerceptualHashes
	}
	v.Thumbnail = modeThumbnail(raw.Thumbnail, mode)
	v.GPS = modeGPS(raw.GPS, mode)
	if mode == ModePaid {
		v.OCRText = raw.OCRText
	}
	v.Address = modeAddress(raw.Address, mode)
	if mode == ModePaid {
		v.FilesystemOwner = raw.FilesystemOwner
		v.FilesystemInode = raw.FilesystemInode
	}
	if mode == ModePaid {
		v.ExtendedAttrs = raw.ExtendedAttrs
	}
	if mode == ModeDeviceFree {
		v.ExtendedAttrKeys = extendedAttrKeys(raw.ExtendedAttrs)
	}

	return v
}

func modeThumbnail(t Thumbnail, mode Mode) *ThumbnailView {
	switch mode {
	case ModePaid:
		return &ThumbnailView{Present: t.Present, Width: t.Width, Height: t.Height, Data: t.Data}
	case ModeDeviceFree:
		return &ThumbnailView{Present: t.Present, Width: t.Width, Height: t.Height}
	default: // trial_limited
		return nil
	}
}

func modeGPS(gps *GPS, mode Mode) *GPS {
	if gps == nil {
		return nil
	}
	switch mode {
	case ModePaid:
		full := *gps
		return &full
	case ModeDeviceFree:
		return &GPS{Lat: roundTo(gps.Lat, 2), Lon: roundTo(gps.Lon, 2)}
	default: // trial_limited
		return nil
	}
}

func modeAddress(addr *Address, mode Mode) *Address {
	if addr == nil {
		return nil
	}
	switch mode {
	case ModePaid:
		full := *addr
		return &full
	case ModeDeviceFree:
		return &Address{City: addr.City, State: addr.State, Country: addr.Country}
	default: // trial_limited
		return nil
	}
}

func extendedAttrKeys(attrs map[string]string) []string {
	if len(attrs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func modeEnterpriseModules(raw RawMetadata, mode Mode) map[string]interface{} {
	if mode != ModePaid {
		return nil
	}
	return raw.EnterpriseModules
}

func roundTo(v float64, decimals int) float64 {
	factor := 1.0
	for i := 0; i < decimals; i++ {
		factor *= 10
	}
	return float64(int64(v*factor+sign(v)*0.5)) / factor
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
