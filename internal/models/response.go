package models

import (
	"net/http"

	"bussim.transitsim.org/internal/clock"
)

// ResponseModel is the envelope of every JSON API response.
type ResponseModel struct {
	Code        int         `json:"code"`
	CurrentTime int64       `json:"currentTime"`
	Data        interface{} `json:"data,omitempty"`
	Text        string      `json:"text"`
	Version     int         `json:"version"`
}

type EntryData struct {
	Entry interface{} `json:"entry"`
}

type ListData struct {
	List interface{} `json:"list"`
}

// ResponseCurrentTime is the envelope timestamp: simulated time in Unix
// milliseconds.
func ResponseCurrentTime(c clock.Clock) int64 {
	if c == nil {
		return 0
	}
	return c.NowUnixMilli()
}

func NewOKResponse(data interface{}, c clock.Clock) ResponseModel {
	return ResponseModel{
		Code:        http.StatusOK,
		CurrentTime: ResponseCurrentTime(c),
		Data:        data,
		Text:        "OK",
		Version:     2,
	}
}

func NewEntryResponse(entry interface{}, c clock.Clock) ResponseModel {
	return NewOKResponse(EntryData{Entry: entry}, c)
}

// NewListResponse wraps list; a nil slice is sent as [].
func NewListResponse[T any](list []T, c clock.Clock) ResponseModel {
	if list == nil {
		list = []T{}
	}
	return NewOKResponse(ListData{List: list}, c)
}
