package dto

import "time"

type SyncResultResponse struct {
	ConfigurationID string `json:"configurationId"`
	Fetched         int    `json:"fetched"`
	Inserted        int    `json:"inserted"`
	Archived        int    `json:"archived"`
	Watermark       uint32 `json:"watermark"`
	Skipped         bool   `json:"skipped,omitempty"`
	SkipReason      string `json:"skipReason,omitempty"`
	Error           string `json:"error,omitempty"`
}

type SyncStatusResponse struct {
	Status         string               `json:"status"`
	LastRunAt      *time.Time           `json:"lastRunAt"`
	Configurations int                  `json:"configurations"`
	Succeeded      int                  `json:"succeeded"`
	Failed         int                  `json:"failed"`
	Skipped        int                  `json:"skipped"`
	Inserted       int                  `json:"inserted"`
	Results        []SyncResultResponse `json:"results"`
}
