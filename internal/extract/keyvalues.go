package extract

import (
	"github.com/toricodesthings/document-ingestion-service/internal/docmodel"
	"github.com/toricodesthings/document-ingestion-service/internal/types"
)

var contentTokens = docmodel.TokenOptions{AddLocation: false, AddContent: true}

// KeyValues emits all key-value items, then all form items, each in source
// order. An item whose export fails is kept with no tokens.
func KeyValues(kvItems, formItems []docmodel.KVBlock) []types.KeyValue {
	out := make([]types.KeyValue, 0, len(kvItems)+len(formItems))
	out = appendTokens(out, kvItems, types.KindKeyValue)
	out = appendTokens(out, formItems, types.KindFormField)
	return out
}

func appendTokens(out []types.KeyValue, items []docmodel.KVBlock, kind string) []types.KeyValue {
	for _, item := range items {
		tokens, err := attempt(func() ([]string, error) {
			if item == nil {
				return nil, errNilItem
			}
			return item.ExportTokens(contentTokens)
		})
		if err != nil || tokens == nil {
			tokens = []string{}
		}
		out = append(out, types.KeyValue{Type: kind, Tokens: tokens})
	}
	return out
}
