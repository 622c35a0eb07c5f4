package main

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-sync/core/offline"
)

const accessTokenKey = "accessToken"

var errNotLoggedIn = errors.New("no access token: run `client login` first")

type credentials struct {
	Key         string `json:"key"`
	AccessToken string `json:"accessToken"`
}

// saveToken stores the access token next to the sync metadata.
func saveToken(ctx context.Context, store offline.Store, token string) error {
	body, err := json.Marshal(credentials{Key: accessTokenKey, AccessToken: token})
	if err != nil {
		return errors.Wrap(err, "encoding credentials")
	}
	doc := offline.Document{Key: accessTokenKey, Body: body}
	return errors.Wrap(store.Put(ctx, offline.MetadataCollection, doc), "saving credentials")
}

// loadToken returns the configured token, falling back to the one saved by login.
func loadToken(ctx context.Context, store offline.Store, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	body, found, err := store.Get(ctx, offline.MetadataCollection, accessTokenKey)
	if err != nil {
		return "", errors.Wrap(err, "reading credentials")
	}
	if !found {
		return "", errNotLoggedIn
	}
	var creds credentials
	if err = json.Unmarshal(body, &creds); err != nil {
		return "", errors.Wrap(err, "decoding credentials")
	}
	if creds.AccessToken == "" {
		return "", errNotLoggedIn
	}
	return creds.AccessToken, nil
}
