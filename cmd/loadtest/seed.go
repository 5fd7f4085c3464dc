package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vladislavdragonenkov/storefront/internal/api"
)

// seedProduct создаёт товар с заданным остатком через admin REST API.
func seedProduct(ctx context.Context, client *http.Client, opts options) error {
	active := true
	body, err := json.Marshal(api.CreateProductRequest{
		ID:        opts.product,
		Name:      "Load test product " + opts.product,
		Price:     opts.seedPrice,
		Active:    &active,
		Inventory: api.Inventory{Quantity: opts.seedStock, TrackQuantity: true},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.rpcTimeout)
	defer cancel()
	url := strings.TrimRight(opts.adminURL, "/") + "/api/admin/products"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", opts.userPrefix+"-admin")
	req.Header.Set("X-User-Role", "admin")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("POST %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return nil
}
