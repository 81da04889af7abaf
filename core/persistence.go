package core

// PersistenceStats counts asynchronous persistence writes since process start
type PersistenceStats struct {
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
	Pending int64 `json:"pending"`
}
