package recipe

// Recipe is one snapshot of the release manifest. It is fetched once per
// session and never modified afterwards.
type Recipe struct {
	Version  int       `json:"version"`
	Bulletin Bulletin  `json:"bulletin"`
	Variants []Variant `json:"variants"`
	Mirrors  []Mirror  `json:"mirrors"`
}

// Bulletin is the announcement shown before installation starts
type Bulletin struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	TitleTr string `json:"title-tr"`
	Body    string `json:"body"`
	BodyTr  string `json:"body-tr"`
}

// Variant is an installable edition of the OS
type Variant struct {
	Name          string    `json:"name"`
	Retro         bool      `json:"retro"`
	Description   string    `json:"description"`
	DescriptionTr string    `json:"description-tr"`
	Tarballs      []Tarball `json:"tarballs"`
}

// Tarball is one architecture and date specific system image
type Tarball struct {
	Arch         string `json:"arch"`
	Date         string `json:"date"`
	DownloadSize int64  `json:"downloadSize"`
	InstSize     int64  `json:"instSize"`
	Path         string `json:"path"`
	SHA256Sum    string `json:"sha256sum"`
}

// Mirror is a download location for tarballs
type Mirror struct {
	Name   string `json:"name"`
	NameTr string `json:"name-tr"`
	Loc    string `json:"loc"`
	LocTr  string `json:"loc-tr"`
	URL    string `json:"url"`
}

// VariantEntry is the newest tarball of a variant for the host architecture
type VariantEntry struct {
	Name        string `json:"name"`
	Size        uint64 `json:"size"`
	InstallSize uint64 `json:"install_size"`
	Date        string `json:"date"`
	SHA256Sum   string `json:"sha256sum"`
	URL         string `json:"url"`
}

// MirrorList returns a copy of the manifest's mirrors
func (r *Recipe) MirrorList() []Mirror {
	return append([]Mirror(nil), r.Mirrors...)
}
