package model

// LogPoint is a hash-labeled checkpoint of the structure log
type LogPoint struct {
	Hash    string
	Changed []string
}
