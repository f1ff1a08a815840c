package models

// OptimizationOutcome is one of Optimized, Skipped or Failed.
type OptimizationOutcome interface {
	isOptimizationOutcome()
}

type Optimized struct {
	OriginalSize  int64
	OptimizedSize int64
	BytesSaved    int64
	Format        string
	Content       []byte
}

type Skipped struct {
	Reason string
}

type Failed struct {
	Error string
}

func (Optimized) isOptimizationOutcome() {}
func (Skipped) isOptimizationOutcome()   {}
func (Failed) isOptimizationOutcome()    {}

type OptimizationResult struct {
	AssetID string
	Outcome OptimizationOutcome
}

// OptimizationMetadata is what gets recorded on the asset after a run.
type OptimizationMetadata struct {
	BytesSaved int64
	Format     string
	Skipped    bool
	Reason     string
}
