package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/stocklink/internal/bulkrun"
	"github.com/MarcoPoloResearchLab/stocklink/internal/catalog"
	"github.com/MarcoPoloResearchLab/stocklink/internal/channel"
	"github.com/MarcoPoloResearchLab/stocklink/internal/ledger"
	"github.com/MarcoPoloResearchLab/stocklink/internal/mapping"
	"github.com/MarcoPoloResearchLab/stocklink/internal/propagate"
	"github.com/MarcoPoloResearchLab/stocklink/internal/pushqueue"
	"github.com/MarcoPoloResearchLab/stocklink/internal/webhook"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// selfMarkerHeader carries the loop guard marker on peer-originated requests.
const selfMarkerHeader = "X-Source"

// signatureHeader carries the marketplace webhook signature.
const signatureHeader = "X-Signature"

const maxWebhookBody = 1 << 20

var (
	errMissingLedger    = errors.New("ledger service dependency required")
	errMissingCatalog   = errors.New("catalog service dependency required")
	errMissingDirectory = errors.New("site directory dependency required")
	errMissingMappings  = errors.New("mapping resolver dependency required")
	errMissingWebhooks  = errors.New("webhook service dependency required")
	errMissingQueue     = errors.New("push queue dependency required")
	errMissingBulkRuns  = errors.New("bulk runner dependency required")
	errMissingPropagate = errors.New("propagation service dependency required")
)

// Dependencies wires the HTTP surface to the core services.
type Dependencies struct {
	Ledger       *ledger.Service
	Catalog      *catalog.Service
	Directory    *channel.Directory
	Mappings     *mapping.Resolver
	Webhooks     *webhook.Service
	PushQueue    *pushqueue.Service
	BulkRuns     *bulkrun.Service
	Propagations *propagate.Service
	Logger       *zap.Logger
	// SelfMarker identifies this instance's own outbound requests. Inbound
	// requests carrying it are acknowledged without processing.
	SelfMarker string
	// DrainBatch is the batch size used when a drain call names none.
	DrainBatch int
}

// NewHTTPHandler builds the router: webhook endpoints, scheduler hooks and
// the admin surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Ledger == nil {
		return nil, errMissingLedger
	}
	if deps.Catalog == nil {
		return nil, errMissingCatalog
	}
	if deps.Directory == nil {
		return nil, errMissingDirectory
	}
	if deps.Mappings == nil {
		return nil, errMissingMappings
	}
	if deps.Webhooks == nil {
		return nil, errMissingWebhooks
	}
	if deps.PushQueue == nil {
		return nil, errMissingQueue
	}
	if deps.BulkRuns == nil {
		return nil, errMissingBulkRuns
	}
	if deps.Propagations == nil {
		return nil, errMissingPropagate
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", selfMarkerHeader, signatureHeader},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		ledger:       deps.Ledger,
		catalog:      deps.Catalog,
		directory:    deps.Directory,
		mappings:     deps.Mappings,
		webhooks:     deps.Webhooks,
		pushQueue:    deps.PushQueue,
		bulkRuns:     deps.BulkRuns,
		propagations: deps.Propagations,
		logger:       logger,
		selfMarker:   deps.SelfMarker,
		drainBatch:   deps.DrainBatch,
	}

	router.Use(handler.guardSelfMarker)

	router.GET("/healthz", handler.handleHealth)

	router.POST("/webhooks/storefront", handler.handleStorefrontWebhook)
	router.POST("/webhooks/marketplace", handler.handleMarketplaceWebhook)

	cron := router.Group("/cron")
	cron.POST("/push-queue/drain", handler.handleDrain)
	cron.POST("/bulk-runs/:id/step", handler.handleBulkStep)

	admin := router.Group("/admin")
	admin.GET("/products", handler.handleListProducts)
	admin.POST("/products", handler.handleCreateProduct)
	admin.GET("/products/:id", handler.handleGetProduct)
	admin.GET("/sites", handler.handleListSites)
	admin.POST("/sites", handler.handleCreateSite)
	admin.GET("/sites/:id", handler.handleGetSite)
	admin.GET("/sites/:id/mappings", handler.handleListMappings)
	admin.POST("/mappings", handler.handleLinkMapping)
	admin.GET("/stock/:productID", handler.handleGetStock)
	admin.POST("/stock/:productID/set", handler.handleSetStock)
	admin.POST("/stock/:productID/add", handler.handleAddStock)
	admin.GET("/stock/:productID/moves", handler.handleListMoves)
	admin.GET("/stock/:productID/propagations", handler.handleListPropagations)
	admin.GET("/push-jobs", handler.handleListPushJobs)
	admin.POST("/push-jobs/:id/requeue", handler.handleRequeuePushJob)
	admin.GET("/bulk-runs", handler.handleListBulkRuns)
	admin.POST("/bulk-runs", handler.handleStartBulkRun)
	admin.GET("/bulk-runs/:id", handler.handleBulkRunStatus)

	return router, nil
}

type httpHandler struct {
	ledger       *ledger.Service
	catalog      *catalog.Service
	directory    *channel.Directory
	mappings     *mapping.Resolver
	webhooks     *webhook.Service
	pushQueue    *pushqueue.Service
	bulkRuns     *bulkrun.Service
	propagations *propagate.Service
	logger       *zap.Logger
	selfMarker   string
	drainBatch   int
}

// guardSelfMarker acknowledges and drops any inbound request our own
// outbound pushes caused, before any handler runs. This loop guard sits at
// the transport boundary, independent of the anti-loop state machinery.
func (h *httpHandler) guardSelfMarker(c *gin.Context) {
	if h.selfMarker != "" && c.GetHeader(selfMarkerHeader) == h.selfMarker {
		c.AbortWithStatusJSON(http.StatusOK, gin.H{"outcome": "ignored"})
		return
	}
	c.Next()
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Webhook endpoints always acknowledge with 200: the senders' retry policies
// punish slow or failing acks, so real outcomes live in logs and state.
func (h *httpHandler) handleStorefrontWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"outcome": string(webhook.OutcomeIgnored)})
		return
	}
	result, err := h.webhooks.HandleStorefront(c.Request.Context(), body)
	if err != nil {
		h.logger.Error("storefront webhook processing failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"outcome": string(webhook.OutcomeIgnored)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": string(result.Outcome)})
}

func (h *httpHandler) handleMarketplaceWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"outcome": string(webhook.OutcomeIgnored)})
		return
	}
	notice := parseMarketplaceNotice(c, body)
	result, err := h.webhooks.HandleMarketplace(c.Request.Context(), notice, body, c.GetHeader(signatureHeader))
	if err != nil {
		h.logger.Error("marketplace webhook processing failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"outcome": string(webhook.OutcomeIgnored)})
		return
	}
	if result.Outcome == webhook.OutcomeRejected {
		// Minimal response so probing senders learn nothing about secrets.
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": string(result.Outcome)})
}

// parseMarketplaceNotice accepts the JSON envelope or the equivalent form
// fields; the provider sends both depending on notification age.
func parseMarketplaceNotice(c *gin.Context, body []byte) webhook.MarketplaceNotice {
	var notice webhook.MarketplaceNotice
	if strings.Contains(c.ContentType(), "json") {
		if err := json.Unmarshal(body, &notice); err != nil {
			notice = webhook.MarketplaceNotice{}
		}
		return notice
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return notice
	}
	notice.Topic = values.Get("topic")
	notice.Type = values.Get("type")
	notice.Resource = values.Get("resource")
	notice.UserID = values.Get("user_id")
	return notice
}

func (h *httpHandler) handleDrain(c *gin.Context) {
	batch := intQuery(c, "batch", h.drainBatch)
	result, err := h.pushQueue.Drain(c.Request.Context(), batch)
	if err != nil {
		h.logger.Error("push queue drain failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "drain_failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleBulkStep(c *gin.Context) {
	batch := intQuery(c, "batch", 0)
	run, err := h.bulkRuns.Step(c.Request.Context(), c.Param("id"), batch)
	if err != nil {
		if errors.Is(err, bulkrun.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run_not_found"})
			return
		}
		h.logger.Error("bulk run step failed", zap.String("run_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "step_failed"})
		return
	}
	c.JSON(http.StatusOK, run)
}

type createProductPayload struct {
	SKU  string `json:"sku"`
	Name string `json:"name"`
}

func (h *httpHandler) handleCreateProduct(c *gin.Context) {
	var request createProductPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	product, err := h.catalog.CreateProduct(c.Request.Context(), request.SKU, request.Name)
	if err != nil {
		if errors.Is(err, catalog.ErrInvalidSKU) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_sku"})
			return
		}
		h.logger.Error("creating product failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, product)
}

func (h *httpHandler) handleListProducts(c *gin.Context) {
	products, err := h.catalog.ListProducts(c.Request.Context())
	if err != nil {
		h.logger.Error("listing products failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (h *httpHandler) handleGetProduct(c *gin.Context) {
	productID, ok := uintParam(c, "id")
	if !ok {
		return
	}
	product, err := h.catalog.LookupByID(c.Request.Context(), productID)
	if err != nil {
		if errors.Is(err, catalog.ErrProductNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "product_not_found"})
			return
		}
		h.logger.Error("reading product failed", zap.Uint("product_id", productID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed"})
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *httpHandler) handleListSites(c *gin.Context) {
	sites, err := h.directory.ListSites(c.Request.Context())
	if err != nil {
		h.logger.Error("listing sites failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sites": sites})
}

type createSitePayload struct {
	Name          string `json:"name"`
	Protocol      string `json:"protocol"`
	Enabled       *bool  `json:"enabled"`
	Mode          string `json:"mode"`
	BaseURL       string `json:"base_url"`
	APIKey        string `json:"api_key"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
	AccessToken   string `json:"access_token"`
	RefreshToken  string `json:"refresh_token"`
	SellerID      string `json:"seller_id"`
	WebhookSecret string `json:"webhook_secret"`
}

func (h *httpHandler) handleCreateSite(c *gin.Context) {
	var request createSitePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	protocol, err := channel.ParseProtocol(request.Protocol)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_protocol"})
		return
	}
	mode := channel.SyncModeOff
	if request.Mode != "" {
		mode, err = channel.ParseSyncMode(request.Mode)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mode"})
			return
		}
	}
	site := channel.SiteConnection{
		Name:          request.Name,
		Protocol:      protocol,
		Enabled:       request.Enabled == nil || *request.Enabled,
		Mode:          mode,
		BaseURL:       request.BaseURL,
		APIKey:        request.APIKey,
		ClientID:      request.ClientID,
		ClientSecret:  request.ClientSecret,
		AccessToken:   request.AccessToken,
		RefreshToken:  request.RefreshToken,
		SellerID:      request.SellerID,
		WebhookSecret: request.WebhookSecret,
	}
	if err := h.directory.CreateSite(c.Request.Context(), &site); err != nil {
		h.logger.Error("creating site failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, site)
}

func (h *httpHandler) handleGetSite(c *gin.Context) {
	siteID, ok := uintParam(c, "id")
	if !ok {
		return
	}
	site, err := h.directory.SiteByID(c.Request.Context(), siteID)
	if err != nil {
		if errors.Is(err, channel.ErrSiteNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "site_not_found"})
			return
		}
		h.logger.Error("reading site failed", zap.Uint("site_id", siteID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed"})
		return
	}
	c.JSON(http.StatusOK, site)
}

func (h *httpHandler) handleListMappings(c *gin.Context) {
	siteID, ok := uintParam(c, "id")
	if !ok {
		return
	}
	mappings, err := h.mappings.ListForSite(c.Request.Context(), siteID)
	if err != nil {
		h.logger.Error("listing mappings failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mappings": mappings})
}

type linkMappingPayload struct {
	SiteID          uint   `json:"site_id"`
	ProductID       uint   `json:"product_id"`
	RemoteItemID    string `json:"remote_item_id"`
	RemoteVariantID string `json:"remote_variant_id"`
	RemoteSKU       string `json:"remote_sku"`
}

func (h *httpHandler) handleLinkMapping(c *gin.Context) {
	var request linkMappingPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.SiteID == 0 || request.ProductID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ref := channel.RemoteRef{
		ItemID:    request.RemoteItemID,
		VariantID: request.RemoteVariantID,
		SKU:       request.RemoteSKU,
	}
	bound, err := h.mappings.Link(c.Request.Context(), request.SiteID, request.ProductID, ref)
	if err != nil {
		h.logger.Error("linking mapping failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "link_failed"})
		return
	}
	c.JSON(http.StatusCreated, bound)
}

func (h *httpHandler) handleGetStock(c *gin.Context) {
	productID, ok := uintParam(c, "productID")
	if !ok {
		return
	}
	record, err := h.ledger.GetStock(c.Request.Context(), productID)
	if err != nil {
		h.logger.Error("reading stock failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed"})
		return
	}
	c.JSON(http.StatusOK, record)
}

type stockMutationPayload struct {
	Quantity *int64 `json:"qty"`
	Delta    *int64 `json:"delta"`
	Note     string `json:"note"`
	Actor    string `json:"actor"`
}

func (h *httpHandler) handleSetStock(c *gin.Context) {
	productID, ok := uintParam(c, "productID")
	if !ok {
		return
	}
	var request stockMutationPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Quantity == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.ledger.SetStock(c.Request.Context(), h.manualInput(productID, request), *request.Quantity)
	if err != nil {
		h.logger.Error("setting stock failed", zap.Uint("product_id", productID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mutation_failed"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleAddStock(c *gin.Context) {
	productID, ok := uintParam(c, "productID")
	if !ok {
		return
	}
	var request stockMutationPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Delta == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.ledger.AddStock(c.Request.Context(), h.manualInput(productID, request), *request.Delta)
	if err != nil {
		h.logger.Error("adding stock failed", zap.Uint("product_id", productID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mutation_failed"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) manualInput(productID uint, request stockMutationPayload) ledger.MutationInput {
	actor := request.Actor
	if actor == "" {
		actor = "admin"
	}
	return ledger.MutationInput{
		ProductID: productID,
		Note:      request.Note,
		Actor:     actor,
		Origin:    channel.OriginLocal,
		Reason:    ledger.ReasonManual,
	}
}

func (h *httpHandler) handleListMoves(c *gin.Context) {
	productID, ok := uintParam(c, "productID")
	if !ok {
		return
	}
	moves, err := h.ledger.ListMoves(c.Request.Context(), productID, intQuery(c, "limit", 0))
	if err != nil {
		h.logger.Error("listing moves failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"moves": moves})
}

func (h *httpHandler) handleListPropagations(c *gin.Context) {
	productID, ok := uintParam(c, "productID")
	if !ok {
		return
	}
	records, err := h.propagations.RecentForProduct(c.Request.Context(), productID, intQuery(c, "limit", 0))
	if err != nil {
		h.logger.Error("listing propagations failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"propagations": records})
}

func (h *httpHandler) handleListPushJobs(c *gin.Context) {
	status := pushqueue.JobStatus(c.Query("status"))
	jobs, err := h.pushQueue.List(c.Request.Context(), status, intQuery(c, "limit", 0))
	if err != nil {
		h.logger.Error("listing push jobs failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (h *httpHandler) handleRequeuePushJob(c *gin.Context) {
	job, err := h.pushQueue.Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, pushqueue.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job_not_found"})
			return
		}
		if errors.Is(err, pushqueue.ErrJobNotRequeueable) {
			c.JSON(http.StatusConflict, gin.H{"error": "job_not_requeueable"})
			return
		}
		h.logger.Error("requeueing push job failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "requeue_failed"})
		return
	}
	c.JSON(http.StatusOK, job)
}

type startBulkRunPayload struct {
	SiteID uint   `json:"site_id"`
	Action string `json:"action"`
	Mode   string `json:"mode"`
	Actor  string `json:"actor"`
}

func (h *httpHandler) handleStartBulkRun(c *gin.Context) {
	var request startBulkRunPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.SiteID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	action, err := bulkrun.ParseAction(request.Action)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action"})
		return
	}
	mode, err := bulkrun.ParseMode(request.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mode"})
		return
	}
	run, err := h.bulkRuns.Start(c.Request.Context(), request.SiteID, action, mode, request.Actor)
	if err != nil {
		h.logger.Error("starting bulk run failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "start_failed"})
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (h *httpHandler) handleListBulkRuns(c *gin.Context) {
	runs, err := h.bulkRuns.ListRuns(c.Request.Context(), intQuery(c, "limit", 0))
	if err != nil {
		h.logger.Error("listing bulk runs failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *httpHandler) handleBulkRunStatus(c *gin.Context) {
	view, err := h.bulkRuns.Status(c.Request.Context(), c.Param("id"), intQuery(c, "rows", 0))
	if err != nil {
		if errors.Is(err, bulkrun.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run_not_found"})
			return
		}
		h.logger.Error("reading bulk run status failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	c.JSON(http.StatusOK, view)
}

func uintParam(c *gin.Context, name string) (uint, bool) {
	value, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || value == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + name})
		return 0, false
	}
	return uint(value), true
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
