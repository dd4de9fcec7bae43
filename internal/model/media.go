package model

type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaDocument MediaKind = "document"
)

type MediaKey struct {
	Kind MediaKind `json:"kind"`
	ID   int64     `json:"id"`
}

// MediaClass decides which items may share an album. Photos and videos are
// Visual; files and audio each form their own class. ClassNone never groups.
type MediaClass string

const (
	ClassNone   MediaClass = ""
	ClassVisual MediaClass = "visual"
	ClassFile   MediaClass = "file"
	ClassAudio  MediaClass = "audio"
)

func (c MediaClass) Groupable() bool {
	return c != ClassNone
}

type Media struct {
	Key           MediaKey   `json:"key"`
	AccessHash    int64      `json:"accessHash"`
	FileReference []byte     `json:"fileReference"`
	Class         MediaClass `json:"class"`
	Origin        FileOrigin `json:"origin"`
}

// Clone copies the media including its reference bytes.
func (m Media) Clone() Media {
	m.FileReference = append([]byte(nil), m.FileReference...)
	return m
}

type OriginKind string

const (
	OriginNone       OriginKind = ""
	OriginMessage    OriginKind = "message"
	OriginUserPhoto  OriginKind = "user_photo"
	OriginPeerPhoto  OriginKind = "peer_photo"
	OriginStickerSet OriginKind = "sticker_set"
	OriginSavedGifs  OriginKind = "saved_gifs"
	OriginWallpaper  OriginKind = "wallpaper"
	OriginTheme      OriginKind = "theme"
)

// Pseudo sticker sets that are refreshed through their own list requests.
const (
	StickerSetRecent         int64 = -1
	StickerSetCloudRecent    int64 = -2
	StickerSetRecentAttached int64 = -3
	StickerSetFaved          int64 = -4
)

// FileOrigin says why a binary object is referenced. It is comparable and is
// used as a map key; only the fields relevant to Kind are set.
type FileOrigin struct {
	Kind       OriginKind `json:"kind"`
	Message    FullMsgID  `json:"message,omitempty"`
	UserID     int64      `json:"userId,omitempty"`
	PhotoID    int64      `json:"photoId,omitempty"`
	SetID      int64      `json:"setId,omitempty"`
	AccessHash int64      `json:"accessHash,omitempty"`
	PaperID    int64      `json:"paperId,omitempty"`
	OwnerID    int64      `json:"ownerId,omitempty"`
	Slug       string     `json:"slug,omitempty"`
	ThemeID    int64      `json:"themeId,omitempty"`
}

func OriginForMessage(id FullMsgID) FileOrigin {
	return FileOrigin{Kind: OriginMessage, Message: id}
}

func OriginForUserPhoto(userID, photoID int64) FileOrigin {
	return FileOrigin{Kind: OriginUserPhoto, UserID: userID, PhotoID: photoID}
}

func OriginForStickerSet(setID, accessHash int64) FileOrigin {
	return FileOrigin{Kind: OriginStickerSet, SetID: setID, AccessHash: accessHash}
}

func OriginForSavedGifs() FileOrigin {
	return FileOrigin{Kind: OriginSavedGifs}
}

func OriginForWallpaper(paperID, accessHash, ownerID int64, slug string) FileOrigin {
	return FileOrigin{Kind: OriginWallpaper, PaperID: paperID, AccessHash: accessHash, OwnerID: ownerID, Slug: slug}
}

func OriginForTheme(themeID, accessHash int64) FileOrigin {
	return FileOrigin{Kind: OriginTheme, ThemeID: themeID, AccessHash: accessHash}
}
