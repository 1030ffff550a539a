package interfaces

import "context"

// CoreRequest is one invocation of the protected application logic
type CoreRequest struct {
	// Input is the screened client text
	Input string

	// Capabilities are the capabilities the client asked for
	Capabilities []string

	// Guidance carries the auditor's critique on retries
	Guidance string

	// Attempt is 1 for the first execution
	Attempt int
}

// CoreExecutor is the protected application logic wrapped by the pipeline
type CoreExecutor interface {
	Execute(ctx context.Context, request CoreRequest) (string, error)
}

// Critique is an auditor's judgement of a core output
type Critique struct {
	Valid    bool
	Feedback string
}

// Auditor critiques core output against task requirements
type Auditor interface {
	Critique(ctx context.Context, output string, requirements string) (Critique, error)
}
