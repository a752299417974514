package domain

// Candidate is a probed address that answered a status probe during
// discovery. Candidates are never registered implicitly.
type Candidate struct {
	Address string `json:"url"`
	Port    int    `json:"port"`
	Status  string `json:"status"`
}
