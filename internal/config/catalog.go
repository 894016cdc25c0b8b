package config

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// hashLen keeps "sm:<hash>" comfortably under Telegram's 64-byte
// callback_data limit alongside the prefix.
const hashLen = 10

// Catalog resolves setmodel:<provider>:<model> and sm:<hash> callback
// payloads back to a (provider, model) pair. The hash table is built
// once from the configured favourite models list; favourites are
// assumed static for the life of a daemon run.
type Catalog struct {
	ordered []FavouriteModel
	byHash  map[string]FavouriteModel
}

// NewCatalog builds a Catalog from a favourite-models list.
func NewCatalog(favourites []FavouriteModel) *Catalog {
	c := &Catalog{
		ordered: append([]FavouriteModel(nil), favourites...),
		byHash:  make(map[string]FavouriteModel, len(favourites)),
	}
	for _, f := range favourites {
		c.byHash[hashModel(f.Provider, f.Model)] = f
	}
	return c
}

func hashModel(provider, model string) string {
	sum := sha1.Sum([]byte(provider + "/" + model))
	return hex.EncodeToString(sum[:])[:hashLen]
}

// CallbackData returns the sm:<hash> callback payload for a favourite
// model, or setmodel:<provider>:<model> when the pair isn't in the
// favourites list (longer, but still under the 64-byte budget for
// reasonably short provider/model ids).
func (c *Catalog) CallbackData(provider, model string) string {
	hash := hashModel(provider, model)
	if _, ok := c.byHash[hash]; ok {
		return "sm:" + hash
	}
	return "setmodel:" + provider + ":" + model
}

// Favourites returns the configured shortlist, in the order given at
// construction, for rendering the /models keyboard.
func (c *Catalog) Favourites() []FavouriteModel {
	return append([]FavouriteModel(nil), c.ordered...)
}

// LookupCallback implements callback.ModelCatalog. chatID is accepted
// for interface compatibility with a future per-chat shortlist; the
// current favourites list is global.
func (c *Catalog) LookupCallback(chatID int64, data string) (providerID, modelID string, ok bool) {
	switch {
	case strings.HasPrefix(data, "setmodel:"):
		parts := strings.SplitN(strings.TrimPrefix(data, "setmodel:"), ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "", "", false
		}
		return parts[0], parts[1], true

	case strings.HasPrefix(data, "sm:"):
		hash := strings.TrimPrefix(data, "sm:")
		f, ok := c.byHash[hash]
		if !ok {
			return "", "", false
		}
		return f.Provider, f.Model, true

	default:
		return "", "", false
	}
}
