package reference

import (
	"context"
	"fmt"
	"runtime"
	"strconv"

	chromem "github.com/philippgille/chromem-go"
)

// ExampleSource chooses the worked examples shown for a question.
type ExampleSource interface {
	ExamplesFor(ctx context.Context, question string) ([]ExampleEntry, error)
}

// AllExamples shows every example regardless of the question.
type AllExamples []ExampleEntry

func (a AllExamples) ExamplesFor(context.Context, string) ([]ExampleEntry, error) {
	return a, nil
}

// ExampleIndex ranks examples by embedding similarity between their question
// and the user's question, keeping the K closest.
type ExampleIndex struct {
	collection *chromem.Collection
	examples   []ExampleEntry
	k          int
}

func NewExampleIndex(ctx context.Context, examples []ExampleEntry, k int, embed chromem.EmbeddingFunc) (*ExampleIndex, error) {
	if embed == nil {
		return nil, fmt.Errorf("embedding function is required")
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be > 0")
	}
	db := chromem.NewDB()
	collection, err := db.CreateCollection("examples", nil, embed)
	if err != nil {
		return nil, fmt.Errorf("create example collection: %w", err)
	}
	docs := make([]chromem.Document, 0, len(examples))
	for i, example := range examples {
		docs = append(docs, chromem.Document{
			ID:      strconv.Itoa(i),
			Content: example.Question,
		})
	}
	if len(docs) > 0 {
		if err := collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return nil, fmt.Errorf("index examples: %w", err)
		}
	}
	return &ExampleIndex{collection: collection, examples: examples, k: k}, nil
}

func (x *ExampleIndex) ExamplesFor(ctx context.Context, question string) ([]ExampleEntry, error) {
	k := min(x.k, x.collection.Count())
	if k == 0 {
		return nil, nil
	}
	results, err := x.collection.Query(ctx, question, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query example index: %w", err)
	}
	out := make([]ExampleEntry, 0, len(results))
	for _, result := range results {
		i, err := strconv.Atoi(result.ID)
		if err != nil || i < 0 || i >= len(x.examples) {
			continue
		}
		out = append(out, x.examples[i])
	}
	return out, nil
}
