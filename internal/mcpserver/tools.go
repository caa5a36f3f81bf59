package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the admin console. Descriptions are what the model
// reads to decide which tool to use.

var ToolGetOrder = mcp.NewTool("get_order",
	mcp.WithDescription(
		"Look up an order by id. Shows amount, escrow and fulfillment status, "+
			"seller confirmation time and the customer, seller and product names."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("Order id, e.g. 'ord_...'")),
)

var ToolListReleaseReady = mcp.NewTool("list_release_ready",
	mcp.WithDescription(
		"List held orders whose confirmation window has elapsed without a dispute. "+
			"These are candidates for admin_release."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of orders to return (default 50)")),
)

var ToolAdminRelease = mcp.NewTool("admin_release",
	mcp.WithDescription(
		"Release an order's held funds to the seller. Only orders the seller or buyer "+
			"has confirmed can be released; a plain held order is rejected."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("Order id to release")),
)

var ToolAdminRefund = mcp.NewTool("admin_refund",
	mcp.WithDescription(
		"Refund an order's held funds to the buyer. Works from any non-terminal escrow state."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("Order id to refund")),
	mcp.WithString("note",
		mcp.Description("Reason recorded with the refund")),
)

var ToolListOpenDisputes = mcp.NewTool("list_open_disputes",
	mcp.WithDescription("List disputes waiting for an admin decision, oldest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of disputes to return (default 50)")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"Decide an open dispute. 'release' pays the seller, 'refund' returns the funds to the buyer."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("Dispute id, e.g. 'dsp_...'")),
	mcp.WithString("outcome",
		mcp.Required(),
		mcp.Description("Decision"),
		mcp.Enum("release", "refund")),
	mcp.WithString("note",
		mcp.Description("Resolution note shown to both parties")),
)

var ToolGetNegotiation = mcp.NewTool("get_negotiation",
	mcp.WithDescription(
		"Look up a price negotiation: the buyer's offer, the seller's counter, "+
			"the purchasable price and the chat history."),
	mcp.WithString("negotiation_id",
		mcp.Required(),
		mcp.Description("Negotiation id, e.g. 'neg_...'")),
)
