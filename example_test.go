package branchdb_test

import (
	"context"
	"fmt"

	"github.com/azmodb/branchdb"
	"github.com/azmodb/branchdb/backend/memory"
)

func ExampleDatabase() {
	db := branchdb.Open(memory.New(), 0)
	ctx := context.Background()

	doc := branchdb.Document{ID: "recipe", Body: map[string]interface{}{"title": "tea"}}
	if err := db.Write(ctx, doc, true); err != nil {
		panic(err)
	}

	docs, err := db.Read(ctx, "recipe", branchdb.RevsQuery{}, branchdb.ReadOptions{Body: true})
	if err != nil {
		panic(err)
	}
	fmt.Println(docs[0].Body["title"])
	// Output:
	// tea
}
