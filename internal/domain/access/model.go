package access

// Edge is the current state of a (doctor, patient) authorization.
type Edge struct {
	Doctor  string `json:"doctor"`
	Patient string `json:"patient"`
	Granted bool   `json:"authorized"`
}
