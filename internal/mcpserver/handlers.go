package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

type orderView struct {
	ID                string     `json:"id"`
	CustomerID        string     `json:"customerId"`
	SellerID          string     `json:"sellerId"`
	ProductID         string     `json:"productId"`
	NegotiationID     string     `json:"negotiationId"`
	Amount            int64      `json:"amount"`
	Currency          string     `json:"currency"`
	FulfillmentStatus string     `json:"fulfillmentStatus"`
	EscrowStatus      string     `json:"escrowStatus"`
	SellerConfirmedAt *time.Time `json:"sellerConfirmedAt"`
	EscrowReleasedAt  *time.Time `json:"escrowReleasedAt"`
	RefundedAt        *time.Time `json:"refundedAt"`
}

type disputeView struct {
	ID             string    `json:"id"`
	OrderID        string    `json:"orderId"`
	RaisedBy       string    `json:"raisedBy"`
	Reason         string    `json:"reason"`
	Description    string    `json:"description"`
	Status         string    `json:"status"`
	ResolutionNote string    `json:"resolutionNote"`
	CreatedAt      time.Time `json:"createdAt"`
}

type negotiationView struct {
	ID                string  `json:"id"`
	ProductID         string  `json:"productId"`
	SellerID          string  `json:"sellerId"`
	CustomerID        string  `json:"customerId"`
	CustomerName      string  `json:"customerName"`
	ProposedPrice     int64   `json:"proposedPrice"`
	Message           string  `json:"message"`
	Status            string  `json:"status"`
	CounterPrice      *int64  `json:"counterPrice"`
	CounterMessage    *string `json:"counterMessage"`
	CounterStatus     string  `json:"counterStatus"`
	PurchasablePrice  *int64  `json:"purchasablePrice"`
	ConsumedByOrderID string  `json:"consumedByOrderId"`
	Messages          []struct {
		Seq    int    `json:"seq"`
		Sender string `json:"sender"`
		Text   string `json:"text"`
	} `json:"messages"`
}

// HandleGetOrder shows one order.
func (h *Handlers) HandleGetOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	raw, err := h.client.GetOrder(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get order: %v", err)), nil
	}
	text, err := formatOrderResponse(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListReleaseReady lists orders an admin may release.
func (h *Handlers) HandleListReleaseReady(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListReleaseReady(ctx, req.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list release-ready orders: %v", err)), nil
	}
	var resp struct {
		Orders []orderView `json:"orders"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse orders: %v", err)), nil
	}
	if len(resp.Orders) == 0 {
		return mcp.NewToolResultText("No orders are ready for release."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d order(s) ready for release:\n\n", len(resp.Orders))
	for i, o := range resp.Orders {
		fmt.Fprintf(&sb, "%d. %s  %s  %s  seller %s", i+1, o.ID, money(o.Amount, o.Currency), o.EscrowStatus, o.SellerID)
		if o.SellerConfirmedAt != nil {
			fmt.Fprintf(&sb, "  confirmed %s", o.SellerConfirmedAt.UTC().Format(time.RFC3339))
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleAdminRelease pays the seller.
func (h *Handlers) HandleAdminRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	raw, err := h.client.AdminRelease(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Release failed: %v", err)), nil
	}
	text, err := formatOrderResponse(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}
	return mcp.NewToolResultText("Released.\n\n" + text), nil
}

// HandleAdminRefund returns the funds to the buyer.
func (h *Handlers) HandleAdminRefund(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	raw, err := h.client.AdminRefund(ctx, id, req.GetString("note", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Refund failed: %v", err)), nil
	}
	text, err := formatOrderResponse(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}
	return mcp.NewToolResultText("Refunded.\n\n" + text), nil
}

// HandleListOpenDisputes lists disputes awaiting a decision.
func (h *Handlers) HandleListOpenDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListOpenDisputes(ctx, req.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list disputes: %v", err)), nil
	}
	var resp struct {
		Disputes []disputeView `json:"disputes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse disputes: %v", err)), nil
	}
	if len(resp.Disputes) == 0 {
		return mcp.NewToolResultText("No open disputes."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d open dispute(s):\n\n", len(resp.Disputes))
	for i, d := range resp.Disputes {
		fmt.Fprintf(&sb, "%d. %s on %s: %s (raised by %s)\n", i+1, d.ID, d.OrderID, d.Reason, d.RaisedBy)
		if d.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", d.Description)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleResolveDispute decides a dispute.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	var outcome string
	switch req.GetString("outcome", "") {
	case "release":
		outcome = "resolved_release"
	case "refund":
		outcome = "resolved_refund"
	default:
		return mcp.NewToolResultError("outcome must be 'release' or 'refund'"), nil
	}

	raw, err := h.client.ResolveDispute(ctx, id, outcome, req.GetString("note", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Resolve failed: %v", err)), nil
	}
	var resp struct {
		Order   orderView   `json:"order"`
		Dispute disputeView `json:"dispute"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse resolution: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute %s: %s\n", resp.Dispute.ID, resp.Dispute.Status)
	if resp.Dispute.ResolutionNote != "" {
		fmt.Fprintf(&sb, "  Note: %s\n", resp.Dispute.ResolutionNote)
	}
	sb.WriteString("\n")
	writeOrder(&sb, resp.Order, nil)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetNegotiation shows a negotiation thread.
func (h *Handlers) HandleGetNegotiation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("negotiation_id", "")
	if id == "" {
		return mcp.NewToolResultError("negotiation_id is required"), nil
	}
	raw, err := h.client.GetNegotiation(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get negotiation: %v", err)), nil
	}
	var resp struct {
		Negotiation negotiationView `json:"negotiation"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse negotiation: %v", err)), nil
	}
	return mcp.NewToolResultText(formatNegotiation(resp.Negotiation)), nil
}

func formatOrderResponse(raw json.RawMessage) (string, error) {
	var resp struct {
		Order        orderView         `json:"order"`
		DisplayNames map[string]string `json:"displayNames"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Order.ID == "" {
		return "", fmt.Errorf("no order in response")
	}
	var sb strings.Builder
	writeOrder(&sb, resp.Order, resp.DisplayNames)
	return sb.String(), nil
}

func writeOrder(sb *strings.Builder, o orderView, names map[string]string) {
	label := func(key, id string) string {
		if n := names[key]; n != "" {
			return fmt.Sprintf("%s (%s)", n, id)
		}
		return id
	}

	fmt.Fprintf(sb, "Order %s\n", o.ID)
	fmt.Fprintf(sb, "  Amount:      %s\n", money(o.Amount, o.Currency))
	fmt.Fprintf(sb, "  Escrow:      %s\n", o.EscrowStatus)
	fmt.Fprintf(sb, "  Fulfillment: %s\n", o.FulfillmentStatus)
	fmt.Fprintf(sb, "  Customer:    %s\n", label("customer", o.CustomerID))
	fmt.Fprintf(sb, "  Seller:      %s\n", label("seller", o.SellerID))
	fmt.Fprintf(sb, "  Product:     %s\n", label("product", o.ProductID))
	if o.NegotiationID != "" {
		fmt.Fprintf(sb, "  Negotiation: %s\n", o.NegotiationID)
	}
	if o.SellerConfirmedAt != nil {
		fmt.Fprintf(sb, "  Seller confirmed: %s\n", o.SellerConfirmedAt.UTC().Format(time.RFC3339))
	}
	if o.EscrowReleasedAt != nil {
		fmt.Fprintf(sb, "  Released: %s\n", o.EscrowReleasedAt.UTC().Format(time.RFC3339))
	}
	if o.RefundedAt != nil {
		fmt.Fprintf(sb, "  Refunded: %s\n", o.RefundedAt.UTC().Format(time.RFC3339))
	}
}

func formatNegotiation(n negotiationView) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Negotiation %s (%s)\n", n.ID, n.Status)
	customer := n.CustomerID
	if n.CustomerName != "" {
		customer = fmt.Sprintf("%s (%s)", n.CustomerName, n.CustomerID)
	}
	fmt.Fprintf(&sb, "  Customer: %s\n", customer)
	fmt.Fprintf(&sb, "  Seller:   %s\n", n.SellerID)
	fmt.Fprintf(&sb, "  Product:  %s\n", n.ProductID)
	fmt.Fprintf(&sb, "  Offer:    %s\n", minor(n.ProposedPrice))
	if n.CounterPrice != nil {
		fmt.Fprintf(&sb, "  Counter:  %s (%s)\n", minor(*n.CounterPrice), n.CounterStatus)
		if n.CounterMessage != nil && *n.CounterMessage != "" {
			fmt.Fprintf(&sb, "            %q\n", *n.CounterMessage)
		}
	}
	switch {
	case n.ConsumedByOrderID != "":
		fmt.Fprintf(&sb, "  Used by order %s\n", n.ConsumedByOrderID)
	case n.PurchasablePrice != nil:
		fmt.Fprintf(&sb, "  Purchasable at %s\n", minor(*n.PurchasablePrice))
	default:
		sb.WriteString("  Not purchasable\n")
	}
	if len(n.Messages) > 0 {
		sb.WriteString("\nChat:\n")
		for _, m := range n.Messages {
			fmt.Fprintf(&sb, "  %d. [%s] %s\n", m.Seq, m.Sender, m.Text)
		}
	}
	return sb.String()
}

func minor(amount int64) string {
	return fmt.Sprintf("%d.%02d", amount/100, amount%100)
}

func money(amount int64, currency string) string {
	if currency == "" {
		return minor(amount)
	}
	return minor(amount) + " " + currency
}
