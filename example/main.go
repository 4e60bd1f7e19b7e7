package main

import (
	"context"
	"log"

	"github.com/comfforts/logger"

	"github.com/hankgalt/colbert"
	"github.com/hankgalt/colbert/pkg/domain"
)

func main() {
	l := logger.GetSlogLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logger.WithLogger(ctx, l)

	model, err := colbert.New(ctx, domain.ModelConfig{
		ModelDir:   "../models/GTE-ModernColBERT-v1",
		OutputName: "last_hidden_state",
		Device:     domain.DeviceCPU,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer model.Close(ctx)

	queries, err := model.Encode(ctx, []string{"what is rust"}, true, 0)
	if err != nil {
		log.Fatal(err)
	}
	documents, err := model.Encode(ctx,
		[]string{"Rust is a systems programming language", "Python is a scripting language"}, false, 0)
	if err != nil {
		log.Fatal(err)
	}

	scores, err := model.Similarity(ctx, queries, documents)
	if err != nil {
		log.Fatal(err)
	}
	l.Info("got scores", "query-tokens", queries.Tokens, "document-tokens", documents.Tokens, "dim", queries.Dim, "scores", scores.Data)

	pooled, err := model.Pool(ctx, documents, 2)
	if err != nil {
		log.Fatal(err)
	}
	l.Info("pooled documents", "tokens-before", documents.Tokens, "tokens-after", pooled.Tokens)
}
