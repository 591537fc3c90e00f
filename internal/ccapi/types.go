// Package ccapi provides a typed client for Canon CCAPI-class cameras:
// HTTPS/JSON control of shutter, settings, storage, datetime, and the
// long-poll event channel that reports files produced by each shot.
package ccapi

import "time"

// Setting is one camera setting with its current value and the values the
// camera will accept.
type Setting struct {
	Value   string   `json:"value"`
	Ability []string `json:"ability"`
}

// ConnectionStatus summarizes the client's view of the camera link.
type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Model     string `json:"model,omitempty"`
}

// StorageInfo describes the camera's active storage card.
type StorageInfo struct {
	Mounted      bool   `json:"mounted"`
	TotalBytes   int64  `json:"totalBytes"`
	FreeBytes    int64  `json:"freeBytes"`
	ContentCount int    `json:"contentCount"`
	AccessMode   string `json:"accessMode,omitempty"`
}

// BatteryInfo describes the camera battery.
type BatteryInfo struct {
	Name    string `json:"name,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Level   string `json:"level,omitempty"`
	Quality string `json:"quality,omitempty"`
}

// IntervalCheck is the result of validating a proposed shooting interval
// against the camera's current shutter and processing time.
type IntervalCheck struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// storageList is the wire schema of GET devicestatus/storage. An empty
// storagelist means no card is mounted.
type storageList struct {
	StorageList []struct {
		Name             string `json:"name"`
		MaxSize          int64  `json:"maxsize"`
		SpaceSize        int64  `json:"spacesize"`
		ContentsNumber   int    `json:"contentsnumber"`
		AccessCapability string `json:"accesscapability"`
	} `json:"storagelist"`
}

type datetimeBody struct {
	DateTime string `json:"datetime"`
	DST      bool   `json:"dst,omitempty"`
}

// eventPayload is the wire schema of the event long-poll channel. Fields
// other than addedcontents are ignored.
type eventPayload struct {
	AddedContents []string `json:"addedcontents"`
}

// cameraDateTimeLayout is the RFC 1123 variant CCAPI uses for datetime.
const cameraDateTimeLayout = time.RFC1123Z
