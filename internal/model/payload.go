package model

type PayloadKind string

const (
	KindText          PayloadKind = "text"
	KindExistingMedia PayloadKind = "media"
	KindUpload        PayloadKind = "upload"
	KindLocation      PayloadKind = "location"
	KindContact       PayloadKind = "contact"
	KindPoll          PayloadKind = "poll"
	KindDice          PayloadKind = "dice"
)

// Payload is the closed set of things a message can carry.
type Payload interface {
	Kind() PayloadKind
}

type Text struct {
	Text      string `json:"text"`
	NoWebpage bool   `json:"noWebpage,omitempty"`
}

type ExistingMedia struct {
	Key     MediaKey `json:"key"`
	Caption string   `json:"caption,omitempty"`
}

type Upload struct {
	Name    string     `json:"name"`
	Class   MediaClass `json:"class"`
	Data    []byte     `json:"data"`
	Caption string     `json:"caption,omitempty"`
}

type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Contact struct {
	Phone     string `json:"phone"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName,omitempty"`
}

type Poll struct {
	Question string   `json:"question"`
	Answers  []string `json:"answers"`
}

type Dice struct {
	Emoji string `json:"emoji"`
}

func (Text) Kind() PayloadKind          { return KindText }
func (ExistingMedia) Kind() PayloadKind { return KindExistingMedia }
func (Upload) Kind() PayloadKind        { return KindUpload }
func (Location) Kind() PayloadKind      { return KindLocation }
func (Contact) Kind() PayloadKind       { return KindContact }
func (Poll) Kind() PayloadKind          { return KindPoll }
func (Dice) Kind() PayloadKind          { return KindDice }

// Caption returns the text attached to the payload.
func Caption(p Payload) string {
	switch v := p.(type) {
	case Text:
		return v.Text
	case ExistingMedia:
		return v.Caption
	case Upload:
		return v.Caption
	}
	return ""
}
