package domain

// Scan types accepted at the HTTP boundary.
var ScanTypes = []string{"nfc", "qr", "rfid", "ble"}

// ScanRequest records one physical scan of a tag.
type ScanRequest struct {
	TagID    string  `json:"uid" validate:"required,hexadecimal,min=4,max=28"`
	URL      string  `json:"url" validate:"required,url"`
	DeviceID string  `json:"deviceId" validate:"required"`
	ScanType string  `json:"scanType" validate:"required,oneof=nfc qr rfid ble"`
	Location *string `json:"location"`
}

type ScanResult struct {
	TagID string `json:"tagId"`
	Token int64  `json:"token"`
}

// ScanEntry is one element of a tag's scan history.
type ScanEntry struct {
	Timestamp string  `json:"timestamp"`
	DeviceID  string  `json:"deviceId"`
	ScanType  string  `json:"scanType"`
	Location  *string `json:"location"`
}

// Tag is the read projection of a tag counter.
type Tag struct {
	TagID        string      `json:"uid"`
	URL          string      `json:"urlAccedida"`
	Token        int64       `json:"token"`
	FirstSeen    string      `json:"firstSeen"`
	LastSeen     string      `json:"lastSeen"`
	Historial    []ScanEntry `json:"historial"`
	LastDevice   string      `json:"lastDevice"`
	LastScanType string      `json:"lastScanType"`
	LastLocation *string     `json:"lastLocation"`
}

type TagPage struct {
	Data       []Tag   `json:"data"`
	NextCursor *string `json:"nextCursor"`
}

// Stats is the read projection of an entity's aggregate.
type Stats struct {
	EntityID      string  `json:"uid"`
	PageViews     int64   `json:"pageViews"`
	TotalClicks   int64   `json:"totalClicks"`
	FirstSeen     *string `json:"firstSeen,omitempty"`
	LastSeen      string  `json:"lastSeen"`
	LastPage      *string `json:"lastPage"`
	LastSessionID *string `json:"lastSessionId,omitempty"`
	Platform      string  `json:"platform,omitempty"`
	Source        string  `json:"source,omitempty"`
}

type StatsPage struct {
	Data       []Stats `json:"data"`
	NextCursor *string `json:"nextCursor"`
}

// ClientInput registers or refreshes a client.
type ClientInput struct {
	UID   string  `json:"uid" validate:"required,hexadecimal,min=4,max=32"`
	Name  string  `json:"name" validate:"required,max=256"`
	Phone string  `json:"phone" validate:"required,max=32"`
	Email *string `json:"email" validate:"omitempty,email"`
}

type Client struct {
	UID       string  `json:"uid"`
	Name      string  `json:"name"`
	Phone     string  `json:"phone"`
	Email     *string `json:"email"`
	Active    bool    `json:"active"`
	CreatedAt string  `json:"createdAt"`
	UpdatedAt string  `json:"updatedAt"`
}

type ClientPage struct {
	Data       []Client `json:"data"`
	NextCursor *string  `json:"nextCursor"`
}

// Profile joins everything known about one uid. Missing parts are nil.
type Profile struct {
	UID    string  `json:"uid"`
	Client *Client `json:"client"`
	Tag    *Tag    `json:"tag"`
	Stats  *Stats  `json:"stats"`
}
