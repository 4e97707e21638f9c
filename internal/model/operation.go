package model

import "fmt"

// Recipe is the replicated domain entity
type Recipe struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Author    ReplicaID `json:"author"`
	Timestamp Timestamp `json:"timestamp"`
}

// OperationKind defines the type of operation
type OperationKind string

const (
	OperationKindAdd    OperationKind = "add"
	OperationKindRemove OperationKind = "remove"
)

// Operation is a timestamped log entry. The variant set is closed:
// AddOperation and RemoveOperation are its only implementations.
type Operation interface {
	Timestamp() Timestamp
	Kind() OperationKind
	isOperation()
}

// AddOperation creates a recipe. Its timestamp is the recipe's timestamp.
type AddOperation struct {
	Recipe Recipe
}

// NewAddOperation wraps recipe into an add operation
func NewAddOperation(recipe Recipe) *AddOperation {
	return &AddOperation{Recipe: recipe}
}

func (op *AddOperation) Timestamp() Timestamp { return op.Recipe.Timestamp }
func (op *AddOperation) Kind() OperationKind  { return OperationKindAdd }
func (*AddOperation) isOperation()            {}

func (op *AddOperation) String() string {
	return fmt.Sprintf("add(%s, %q)", op.Recipe.Timestamp, op.Recipe.Title)
}

// RemoveOperation deletes the recipe created at RecipeTimestamp
type RemoveOperation struct {
	Title           string
	RecipeTimestamp Timestamp
	TS              Timestamp
}

// NewRemoveOperation builds a remove operation stamped with ts
func NewRemoveOperation(title string, recipeTS, ts Timestamp) *RemoveOperation {
	return &RemoveOperation{Title: title, RecipeTimestamp: recipeTS, TS: ts}
}

func (op *RemoveOperation) Timestamp() Timestamp { return op.TS }
func (op *RemoveOperation) Kind() OperationKind  { return OperationKindRemove }
func (*RemoveOperation) isOperation()            {}

func (op *RemoveOperation) String() string {
	return fmt.Sprintf("remove(%s, %q, target=%s)", op.TS, op.Title, op.RecipeTimestamp)
}

// OperationView is the JSON friendly form of an operation used by state dumps
type OperationView struct {
	Kind            OperationKind `json:"kind"`
	Timestamp       Timestamp     `json:"timestamp"`
	Title           string        `json:"title"`
	Body            string        `json:"body,omitempty"`
	RecipeTimestamp *Timestamp    `json:"recipe_timestamp,omitempty"`
}

// ViewOf converts op into its OperationView
func ViewOf(op Operation) OperationView {
	switch o := op.(type) {
	case *AddOperation:
		return OperationView{
			Kind:      o.Kind(),
			Timestamp: o.Timestamp(),
			Title:     o.Recipe.Title,
			Body:      o.Recipe.Body,
		}
	case *RemoveOperation:
		target := o.RecipeTimestamp
		return OperationView{
			Kind:            o.Kind(),
			Timestamp:       o.Timestamp(),
			Title:           o.Title,
			RecipeTimestamp: &target,
		}
	default:
		return OperationView{}
	}
}
