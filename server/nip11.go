// SPDX-License-Identifier: MIT

package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr/nip11"
)

type (
	NIP11Config struct {
		Name             string
		Description      string
		PubKey           string
		Contact          string
		MaxSubscriptions int
		MaxFilters       int
		MaxLimit         int
		MaxSubIDLength   int
		MaxEventTags     int
		MaxContentLength int
		MinPowDifficulty int
		AuthRequired     bool
	}

	nip11handler struct {
		cfg *NIP11Config
	}
)

func newNIP11Handler(cfg *NIP11Config) *nip11handler {
	return &nip11handler{cfg: cfg}
}

func (n *nip11handler) ServeHTTP(writer http.ResponseWriter, req *http.Request) {
	writer.Header().Add("Content-Type", "application/nostr+json")
	info := n.info()
	data, err := json.Marshal(info)
	if err != nil {
		err = errors.Wrapf(err, "failed to serialize NIP11 json %+v", info)
		log.Printf("ERROR:%v", err)
		writer.WriteHeader(http.StatusInternalServerError)

		return
	}
	if _, err = writer.Write(data); err != nil {
		log.Printf("ERROR: failed to write NIP11 response: %v", err)
	}
}

func (n *nip11handler) info() nip11.RelayInformationDocument {
	return nip11.RelayInformationDocument{
		Name:          n.cfg.Name,
		Description:   n.cfg.Description,
		PubKey:        n.cfg.PubKey,
		Contact:       n.cfg.Contact,
		SupportedNIPs: []int{1, 9, 11, 13, 42, 45},
		Software:      "https://github.com/SparrowTek/nostr-relay",
		Version:       "1.0.0",
		Limitation: &nip11.RelayLimitationDocument{
			MaxSubscriptions: n.cfg.MaxSubscriptions,
			MaxFilters:       n.cfg.MaxFilters,
			MaxLimit:         n.cfg.MaxLimit,
			MaxSubidLength:   n.cfg.MaxSubIDLength,
			MaxEventTags:     n.cfg.MaxEventTags,
			MaxContentLength: n.cfg.MaxContentLength,
			MinPowDifficulty: n.cfg.MinPowDifficulty,
			AuthRequired:     n.cfg.AuthRequired,
		},
	}
}
