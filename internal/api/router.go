package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"round-engine/internal/config"
	"round-engine/internal/middleware"
	"round-engine/internal/model"
	"round-engine/internal/service"
	"round-engine/internal/service/engine"
	"round-engine/internal/service/risk"
	"round-engine/internal/service/scheduler"
	walletsvc "round-engine/internal/service/wallet"
	"round-engine/internal/ws"
	appErr "round-engine/pkg/errors"
	"round-engine/pkg/logger"
	"round-engine/pkg/money"
	"round-engine/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Handler struct {
	services *service.Container
}

func RegisterRoutes(r *gin.Engine, services *service.Container) {
	handler := &Handler{services: services}
	wsHandler := ws.NewHandler(services.Engine)

	r.GET("/ping", func(c *gin.Context) {
		response.Success(c, gin.H{"message": "pong"})
	})

	v1 := r.Group("/engine/v1")
	{
		v1.GET("/games/:game/round", handler.GetRound)
		v1.GET("/rounds/:id/verify", handler.VerifyRound)

		player := v1.Group("/")
		player.Use(middleware.AuthRequired())
		{
			player.POST("/games/:game/stakes", handler.PlaceStake)
			player.DELETE("/games/:game/rounds/:id/stake", handler.CancelStake)
			player.PUT("/games/:game/rounds/:id/exit", handler.AdjustExit)
			player.POST("/rounds/:id/exit", handler.RequestExit)
			player.GET("/wallet", handler.GetWallet)
			player.GET("/wallet/billing", handler.GetBilling)
		}
	}

	adminGroup := r.Group("/admin")
	{
		adminGroup.POST("/auth/login", handler.OperatorLogin)

		protected := adminGroup.Group("/")
		protected.Use(middleware.OperatorAuthRequired())
		{
			protected.POST("/games/:game/start", handler.AdminStartRound)
			protected.PUT("/games/:game/enabled", handler.AdminSetEnabled)
			protected.GET("/games/:game/ledger", handler.AdminLedger)
			protected.POST("/rounds/:id/abort", handler.AdminAbortRound)
			protected.POST("/rounds/:id/refund", handler.AdminRefundRound)
			protected.GET("/rounds/:id/stakes", handler.AdminRoundStakes)
			protected.PUT("/users/:id/wallet", handler.AdminAdjustWallet)
			protected.POST("/operators", handler.AdminCreateOperator)
		}
	}

	tasks := r.Group("/internal/tasks")
	tasks.Use(middleware.TaskAuthRequired(taskSecret()))
	{
		tasks.POST("/step", handler.RunStep)
	}

	r.GET("/ws/games/:game", wsHandler.HandleGameWS)
}

func taskSecret() string {
	if config.GlobalConfig == nil {
		return ""
	}
	return config.GlobalConfig.Tasks.Secret
}

// Amounts travel as decimal major units ("12.50") and exits as decimal
// multipliers ("2.00").
type placeStakeBody struct {
	Amount   decimal.Decimal  `json:"amount"`
	AutoExit *decimal.Decimal `json:"autoExit"`
}

type adjustExitBody struct {
	AutoExit *decimal.Decimal `json:"autoExit"`
}

type operatorLoginBody struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type createOperatorBody struct {
	Username    string `json:"username" binding:"required,max=64"`
	Password    string `json:"password" binding:"required,min=8"`
	DisplayName string `json:"displayName" binding:"max=64"`
}

type startRoundBody struct {
	ClientSeed string `json:"clientSeed" binding:"max=128"`
	Force      bool   `json:"force"`
}

type setEnabledBody struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type abortRoundBody struct {
	Reason string `json:"reason" binding:"required,max=255"`
}

type adjustWalletBody struct {
	Amount   decimal.Decimal `json:"amount"`
	Recharge bool            `json:"recharge"`
	Note     string          `json:"note" binding:"max=255"`
}

type stakeView struct {
	*model.Stake
	AmountDisplay string `json:"amountDisplay"`
	Result        string `json:"result,omitempty"`
}

func newStakeView(st *model.Stake) stakeView {
	v := stakeView{Stake: st, AmountDisplay: money.Format(st.Amount)}
	if st.ResultAmount != nil {
		v.Result = money.Format(*st.ResultAmount)
	}
	return v
}

func (h *Handler) GetRound(c *gin.Context) {
	snap, err := h.services.Engine.Snapshot(c.Request.Context(), c.Param("game"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, snap)
}

func (h *Handler) VerifyRound(c *gin.Context) {
	v, err := h.services.Engine.VerifyRound(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, v)
}

func (h *Handler) PlaceStake(c *gin.Context) {
	participantID, ok := getParticipantID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var body placeStakeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}
	amount, ok := money.FromMajor(body.Amount)
	if !ok || amount <= 0 {
		writeError(c, appErr.ErrInvalidAmount)
		return
	}
	in := engine.StakeInput{Amount: amount}
	if body.AutoExit != nil {
		in.ExitAt = money.MultiplierFromDecimal(*body.AutoExit)
	}

	stake, err := h.services.Engine.PlaceStake(c.Request.Context(), c.Param("game"), participantID, in)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"stake": newStakeView(stake)})
}

func (h *Handler) CancelStake(c *gin.Context) {
	participantID, ok := getParticipantID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.services.Engine.CancelStake(c.Request.Context(), c.Param("game"), c.Param("id"), participantID); err != nil {
		writeError(c, err)
		return
	}
	response.SuccessWithMsg(c, gin.H{"status": "cancelled"}, "")
}

func (h *Handler) AdjustExit(c *gin.Context) {
	participantID, ok := getParticipantID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var body adjustExitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}
	var threshold money.Multiplier
	if body.AutoExit != nil {
		threshold = money.MultiplierFromDecimal(*body.AutoExit)
	}

	if err := h.services.Engine.AdjustConditionalExit(c.Request.Context(), c.Param("game"), c.Param("id"), participantID, threshold); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"autoExit": threshold.String()})
}

func (h *Handler) RequestExit(c *gin.Context) {
	participantID, ok := getParticipantID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	receipt, err := h.services.Engine.RequestExit(c.Request.Context(), c.Param("id"), participantID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"roundId":    receipt.RoundID,
		"multiplier": receipt.Multiplier,
		"payout":     money.Format(receipt.Payout),
	})
}

func (h *Handler) GetWallet(c *gin.Context) {
	participantID, ok := getParticipantID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	wallet, err := h.services.Wallet.GetWallet(c.Request.Context(), participantID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"wallet":    wallet,
		"available": money.Format(wallet.BalanceAvailable),
	})
}

func (h *Handler) GetBilling(c *gin.Context) {
	participantID, ok := getParticipantID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit, err := parsePositiveIntQuery(c, "limit", 50)
	if err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := h.services.Wallet.Billing(c.Request.Context(), participantID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"items": logs})
}

func (h *Handler) OperatorLogin(c *gin.Context) {
	var body operatorLoginBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.services.Operator.Login(c.Request.Context(), body.Username, body.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, resp)
}

func (h *Handler) AdminCreateOperator(c *gin.Context) {
	var body createOperatorBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}
	info, err := h.services.Operator.Create(c.Request.Context(), body.Username, body.Password, body.DisplayName)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"operator": info})
}

func (h *Handler) AdminStartRound(c *gin.Context) {
	var body startRoundBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.Error(c, http.StatusBadRequest, err.Error())
			return
		}
	}
	operatorID, _ := getOperatorID(c)

	r, err := h.services.Engine.StartRound(c.Request.Context(), c.Param("game"), engine.AdminOverride{
		ClientSeed: strings.TrimSpace(body.ClientSeed),
		Force:      body.Force,
		UpdatedBy:  operatorID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"roundId": r.ID, "phase": r.Phase})
}

func (h *Handler) AdminSetEnabled(c *gin.Context) {
	var body setEnabledBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}
	operatorID, _ := getOperatorID(c)

	if err := h.services.Engine.SetEnabled(c.Request.Context(), c.Param("game"), *body.Enabled, operatorID); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"game": c.Param("game"), "enabled": *body.Enabled})
}

func (h *Handler) AdminLedger(c *gin.Context) {
	game := c.Param("game")
	if !model.ValidGame(game) {
		writeError(c, appErr.ErrInvalidGame)
		return
	}
	ledger, err := h.services.Settlement.Ledger(c.Request.Context(), game)
	if err != nil {
		writeError(c, err)
		return
	}
	data := gin.H{"ledger": ledger, "state": risk.Classify(*ledger)}
	if game == model.GameSlots {
		pool, err := h.services.Settlement.Pool(c.Request.Context(), game)
		if err != nil {
			writeError(c, err)
			return
		}
		data["pool"] = pool
	}
	response.Success(c, data)
}

func (h *Handler) AdminAbortRound(c *gin.Context) {
	var body abortRoundBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}
	operatorID, _ := getOperatorID(c)
	reason := fmt.Sprintf("operator %d: %s", operatorID, strings.TrimSpace(body.Reason))

	if err := h.services.Engine.AbortRound(c.Request.Context(), c.Param("id"), reason); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"roundId": c.Param("id"), "status": "aborted"})
}

func (h *Handler) AdminRefundRound(c *gin.Context) {
	n, err := h.services.Engine.RefundRound(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"roundId": c.Param("id"), "refunded": n})
}

func (h *Handler) AdminRoundStakes(c *gin.Context) {
	stakes, err := h.services.Settlement.Stakes(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	items := make([]stakeView, 0, len(stakes))
	for i := range stakes {
		items = append(items, newStakeView(&stakes[i]))
	}
	response.Success(c, gin.H{"items": items})
}

func (h *Handler) AdminAdjustWallet(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		response.Error(c, http.StatusBadRequest, "invalid user id")
		return
	}

	var body adjustWalletBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}
	delta, ok := money.FromMajor(body.Amount)
	if !ok {
		writeError(c, appErr.ErrInvalidWalletPayload)
		return
	}
	operatorID, _ := getOperatorID(c)

	wallet, err := h.services.Wallet.Adjust(c.Request.Context(), userID, walletsvc.AdjustRequest{
		Delta:      delta,
		Recharge:   body.Recharge,
		Note:       strings.TrimSpace(body.Note),
		OperatorID: operatorID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"wallet": wallet})
}

// RunStep is the webhook an external task queue calls instead of the
// in-process dispatcher. Only transient failures ask for redelivery.
func (h *Handler) RunStep(c *gin.Context) {
	var ref scheduler.StepRef
	if err := c.ShouldBindJSON(&ref); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	taskStatus, err := h.services.Dispatcher.Deliver(c.Request.Context(), ref)
	status := "done"
	switch {
	case taskStatus == scheduler.StatusPending,
		taskStatus == "" && appErr.KindOf(err) == appErr.KindTransient:
		logger.Log.Warn("step webhook will be redelivered",
			zap.String("roundID", ref.RoundID), zap.Int64("seq", ref.Seq), zap.Error(err))
		response.ErrorWithReason(c, http.StatusServiceUnavailable, appErr.CodeOf(err), appErr.PublicMessage(err))
		return
	case taskStatus == scheduler.StatusDead:
		status = "aborted"
	case err == nil:
	case errors.Is(err, appErr.ErrStaleStep):
		status = "stale"
	default:
		status = "dropped"
	}
	data := gin.H{"roundId": ref.RoundID, "seq": ref.Seq, "status": status}
	if err != nil {
		data["reason"] = appErr.CodeOf(err)
	}
	response.Success(c, data)
}

// writeError maps error kinds to HTTP statuses and keeps infrastructure
// details out of the body.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch appErr.KindOf(err) {
	case appErr.KindValidation:
		status = http.StatusBadRequest
	case appErr.KindPrecondition:
		status = http.StatusConflict
	case appErr.KindTransient:
		status = http.StatusServiceUnavailable
	}
	switch {
	case errors.Is(err, appErr.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, appErr.ErrRoundNotFound):
		status = http.StatusNotFound
	case errors.Is(err, appErr.ErrInvalidCredentials), errors.Is(err, appErr.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, appErr.ErrOperatorDisabled):
		status = http.StatusForbidden
	}
	if status >= http.StatusInternalServerError {
		logger.Log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("reason", appErr.CodeOf(err)),
			zap.Error(err))
	}
	response.ErrorWithReason(c, status, appErr.CodeOf(err), appErr.PublicMessage(err))
}

func parsePositiveIntQuery(c *gin.Context, key string, defaultVal int) (int, error) {
	val := c.Query(key)
	if val == "" {
		return defaultVal, nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return parsed, nil
}

func getParticipantID(c *gin.Context) (int64, bool) {
	return getInt64(c, middleware.ContextParticipantIDKey)
}

func getOperatorID(c *gin.Context) (int64, bool) {
	return getInt64(c, middleware.ContextOperatorIDKey)
}

func getInt64(c *gin.Context, key string) (int64, bool) {
	v, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}
