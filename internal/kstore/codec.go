package kstore

import (
	"encoding/json"
	"fmt"

	"github.com/oriys/vatkernel/internal/domain"
)

func marshalSubscribers(subs []domain.VatID) ([]byte, error) {
	if subs == nil {
		subs = []domain.VatID{}
	}
	data, err := json.Marshal(subs)
	if err != nil {
		return nil, fmt.Errorf("marshal subscribers: %w", err)
	}
	return data, nil
}

func unmarshalSubscribers(data []byte, out *[]domain.VatID) error {
	if len(data) == 0 {
		*out = nil
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal subscribers: %w", err)
	}
	return nil
}

func marshalCapData(cd domain.CapData) ([]byte, error) {
	data, err := json.Marshal(cd)
	if err != nil {
		return nil, fmt.Errorf("marshal cap data: %w", err)
	}
	return data, nil
}

func unmarshalCapData(data []byte) (*domain.CapData, error) {
	var cd domain.CapData
	if err := json.Unmarshal(data, &cd); err != nil {
		return nil, fmt.Errorf("unmarshal cap data: %w", err)
	}
	return &cd, nil
}
