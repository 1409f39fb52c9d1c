package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ledgerbackend/clients"
	"ledgerbackend/metrics"
	"ledgerbackend/models"
	"ledgerbackend/services"
	"ledgerbackend/services/apierrors"
	"ledgerbackend/services/pagination"
	"ledgerbackend/services/ratelimit"
	"ledgerbackend/services/slots"
	"ledgerbackend/services/tokens"
)

// Dispatcher runs named accounting operations on behalf of a user and always
// answers with a ToolCallResult.
type Dispatcher struct {
	store    services.ConnectionStore
	client   clients.AccountingClient
	tokens   *tokens.Manager
	governor *ratelimit.Governor
	slots    slots.Limiter
	retry    *apierrors.RetryPolicy

	mu         sync.RWMutex
	operations map[string]Operation
}

func NewDispatcher(
	store services.ConnectionStore,
	client clients.AccountingClient,
	tokenManager *tokens.Manager,
	governor *ratelimit.Governor,
	limiter slots.Limiter,
	retry *apierrors.RetryPolicy,
) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		client:     client,
		tokens:     tokenManager,
		governor:   governor,
		slots:      limiter,
		retry:      retry,
		operations: make(map[string]Operation),
	}
	for _, operation := range DefaultOperations() {
		if err := d.Register(operation); err != nil {
			panic(fmt.Sprintf("invalid built-in operation %s: %v", operation.Name, err))
		}
	}
	return d
}

// Register adds or replaces an operation
func (d *Dispatcher) Register(operation Operation) error {
	if err := operation.validateDefinition(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.operations[operation.Name] = operation
	return nil
}

// Operations lists registered operations sorted by name
func (d *Dispatcher) Operations() []Operation {
	d.mu.RLock()
	defer d.mu.RUnlock()

	operations := make([]Operation, 0, len(d.operations))
	for _, operation := range d.operations {
		operations = append(operations, operation)
	}
	sort.Slice(operations, func(i, j int) bool { return operations[i].Name < operations[j].Name })
	return operations
}

func (d *Dispatcher) operation(name string) (Operation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	operation, ok := d.operations[name]
	return operation, ok
}

// Dispatch never returns a raw error: every failure is classified and
// rendered as an error result with a user-facing message.
func (d *Dispatcher) Dispatch(ctx context.Context, userID, operationName string, args map[string]any) models.ToolCallResult {
	start := time.Now()
	zap.L().Info("Starting to dispatch accounting operation",
		zap.String("user_id", userID),
		zap.String("operation", operationName))

	result, err := d.dispatch(ctx, userID, operationName, args)
	metrics.ToolCallDuration.WithLabelValues(operationName).Observe(float64(time.Since(start).Milliseconds()))

	if err != nil {
		parsed := apierrors.Classify(err)
		metrics.ToolCalls.WithLabelValues(operationName, string(parsed.Kind)).Inc()
		zap.L().Warn("Accounting operation failed",
			zap.String("user_id", userID),
			zap.String("operation", operationName),
			zap.String("kind", string(parsed.Kind)),
			zap.Int("status", parsed.StatusCode),
			zap.String("correlation_id", parsed.CorrelationID),
			zap.Bool("requires_reconnect", parsed.RequiresReconnect()),
			zap.Error(err))
		return models.NewErrorResult(parsed.UserMessage())
	}

	metrics.ToolCalls.WithLabelValues(operationName, "success").Inc()
	zap.L().Info("Completed successfully - dispatched accounting operation",
		zap.String("user_id", userID),
		zap.String("operation", operationName),
		zap.Duration("duration", time.Since(start)))
	return result
}

func (d *Dispatcher) dispatch(
	ctx context.Context,
	userID, operationName string,
	args map[string]any,
) (result models.ToolCallResult, err error) {
	operation, ok := d.operation(operationName)
	if !ok {
		return result, apierrors.Validation(fmt.Sprintf("Unknown accounting operation %q.", operationName))
	}
	if args == nil {
		args = map[string]any{}
	}
	if missing := operation.missingArgs(args); len(missing) > 0 {
		return result, apierrors.Validation(fmt.Sprintf("Missing required argument(s) for %s: %s.", operationName, strings.Join(missing, ", ")))
	}
	request, err := operation.buildRequest(args)
	if err != nil {
		return result, apierrors.Validation(fmt.Sprintf("Invalid arguments for %s: %v.", operationName, err))
	}

	maybeConnection, err := d.store.GetActiveConnectionByUserID(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("failed to load active accounting connection: %w", err)
	}
	connection, ok := maybeConnection.Get()
	if !ok {
		return result, apierrors.NotConnected(fmt.Sprintf("user %s has no active accounting connection", userID))
	}
	if strings.TrimSpace(connection.TenantID) == "" {
		notConnected := apierrors.NotConnected(fmt.Sprintf("connection %s has no tenant id", connection.ID))
		notConnected.Message = "The connected accounting organisation is incomplete. Please reconnect your account and pick an organisation."
		return result, notConnected
	}

	release, err := d.slots.Acquire(ctx, connection.ID)
	if err != nil {
		return result, err
	}
	defer release()

	tokenSet, err := d.tokens.AcquireForConnection(ctx, connection)
	if err != nil {
		return result, err
	}
	defer func() {
		persistErr := d.persistTokens(ctx, connection, tokenSet)
		if persistErr == nil {
			return
		}
		if err == nil {
			// PersistTokenSet already recorded the conflict on the connection
			zap.L().Warn("Token refresh conflict after successful accounting call",
				zap.String("connection_id", connection.ID),
				zap.String("operation", operationName),
				zap.Error(persistErr))
			return
		}
		err = persistErr
	}()

	payload, err := d.execute(ctx, connection, tokenSet, operation, request, args)
	if parsed := apierrors.Classify(err); parsed != nil && parsed.IsTransient() {
		zap.L().Info("Transient failure, retrying accounting operation once",
			zap.String("connection_id", connection.ID),
			zap.String("operation", operationName),
			zap.Error(err))
		payload, err = d.execute(ctx, connection, tokenSet, operation, request, args)
	}
	if err != nil {
		return result, err
	}

	if err := d.store.UpdateLastAPICall(context.WithoutCancel(ctx), connection.ID); err != nil {
		zap.L().Error("Failed to record last API call",
			zap.String("connection_id", connection.ID),
			zap.Error(err))
	}

	return models.NewJSONResult(payload)
}

// persistTokens saves whatever token set the call ended with. Only a
// refresh conflict is returned; other persistence failures are logged.
// A returned conflict replaces the error of a failed call and never the
// result of a successful one.
func (d *Dispatcher) persistTokens(ctx context.Context, connection *models.AccountingConnection, tokenSet *tokens.TokenSet) error {
	_, err := d.tokens.PersistTokenSet(context.WithoutCancel(ctx), connection, tokenSet)
	if err == nil {
		return nil
	}
	if parsed, ok := apierrors.AsParsedError(err); ok && parsed.Kind == models.ErrorKindRefreshConflict {
		return err
	}
	zap.L().Error("Failed to persist token set after call",
		zap.String("connection_id", connection.ID),
		zap.Error(err))
	return nil
}

func (d *Dispatcher) execute(
	ctx context.Context,
	connection *models.AccountingConnection,
	tokenSet *tokens.TokenSet,
	operation Operation,
	request *clients.Request,
	args map[string]any,
) (any, error) {
	call := func(ctx context.Context, query url.Values) (*clients.Response, error) {
		return d.retry.Execute(ctx, connection.ID, func(ctx context.Context) (*clients.Response, error) {
			if err := d.governor.CheckBeforeCall(ctx, connection.ID); err != nil {
				return nil, err
			}
			attempt := *request
			attempt.Query = query
			attempt.AccessToken = tokenSet.AccessToken
			attempt.TenantID = connection.TenantID
			return d.client.Do(ctx, &attempt)
		})
	}

	if !operation.Paginated {
		response, err := call(ctx, request.Query)
		if err != nil {
			return nil, err
		}
		d.governor.Observe(ctx, connection.ID, response.Header)
		return responsePayload(response), nil
	}

	fetch := func(ctx context.Context, page, pageSize int) (pagination.Page[json.RawMessage], error) {
		query := cloneQuery(request.Query)
		query.Set("page", strconv.Itoa(page))
		query.Set("pageSize", strconv.Itoa(pageSize))

		response, err := call(ctx, query)
		if err != nil {
			return pagination.Page[json.RawMessage]{}, err
		}
		items, err := extractCollection(response.Body, operation.Collection)
		if err != nil {
			return pagination.Page[json.RawMessage]{}, err
		}
		return pagination.Page[json.RawMessage]{Items: items, Header: response.Header}, nil
	}

	result, err := pagination.Run(ctx, fetch, pagination.Options{
		Limit:        argInt(args, limitArg),
		PageSize:     argInt(args, pageSizeArg),
		ConnectionID: connection.ID,
		Observer:     d.governor,
	})
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		operation.Collection: result.Items,
		"count":              len(result.Items),
		"pages":              result.Pages,
	}
	if result.Partial {
		payload["partial"] = true
		payload["warning"] = "Only part of the results could be fetched. " + apierrors.Classify(result.PartialErr).UserMessage()
	}
	return payload, nil
}

func responsePayload(response *clients.Response) any {
	if len(response.Body) == 0 || !json.Valid(response.Body) {
		return map[string]any{"status": response.StatusCode}
	}
	return json.RawMessage(response.Body)
}

func extractCollection(body []byte, collection string) ([]json.RawMessage, error) {
	if len(body) == 0 {
		return nil, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode %s page: %w", collection, err)
	}

	raw, ok := envelope[collection]
	if !ok || string(raw) == "null" {
		return nil, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("failed to decode %s items: %w", collection, err)
	}
	return items, nil
}

func cloneQuery(query url.Values) url.Values {
	clone := url.Values{}
	for key, values := range query {
		clone[key] = append([]string(nil), values...)
	}
	return clone
}
