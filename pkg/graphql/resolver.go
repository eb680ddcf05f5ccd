package graphql

import (
	"github.com/graphql-go/graphql"

	"github.com/ridemesh/ridemesh/pkg/coord"
	"github.com/ridemesh/ridemesh/pkg/ride"
	"github.com/ridemesh/ridemesh/pkg/txlog"
)

// Resolver resolves GraphQL queries against the query router and the
// transaction log.
type Resolver struct {
	router *coord.QueryRouter
	txlog  *txlog.Log
}

// NewResolver creates a new resolver instance
func NewResolver(router *coord.QueryRouter, tl *txlog.Log) *Resolver {
	return &Resolver{router: router, txlog: tl}
}

// Rides resolves the rides query through the query router.
func (r *Resolver) Rides(p graphql.ResolveParams) (interface{}, error) {
	query := coord.RideQuery{Scope: coord.ScopeGlobalFast}

	if raw, ok := p.Args["city"].(string); ok && raw != "" {
		city, err := ride.ParseRegion(raw)
		if err != nil {
			return nil, err
		}
		query.City = &city
	}
	if raw, ok := p.Args["status"].(string); ok && raw != "" {
		status := ride.Status(raw)
		query.Status = &status
	}
	if raw, ok := p.Args["minFare"].(float64); ok {
		query.MinFare = &raw
	}
	if raw, ok := p.Args["maxFare"].(float64); ok {
		query.MaxFare = &raw
	}
	if raw, ok := p.Args["scope"].(string); ok && raw != "" {
		query.Scope = raw
	}
	if raw, ok := p.Args["limit"].(int); ok {
		query.Limit = raw
	}

	rides, err := r.router.Search(p.Context, query)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]interface{}, 0, len(rides))
	for _, doc := range rides {
		out = append(out, rideToMap(doc))
	}
	return out, nil
}

// Transactions resolves the transactions query from the log, newest first.
func (r *Resolver) Transactions(p graphql.ResolveParams) (interface{}, error) {
	limit := 50
	if raw, ok := p.Args["limit"].(int); ok && raw > 0 {
		limit = raw
	}

	records := r.txlog.Recent(limit)
	out := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		out = append(out, transactionToMap(rec))
	}
	return out, nil
}

// Transaction resolves a single transaction by tx_id.
func (r *Resolver) Transaction(p graphql.ResolveParams) (interface{}, error) {
	txID, _ := p.Args["txId"].(string)
	rec, err := r.txlog.Get(txID)
	if err != nil {
		return nil, err
	}
	return transactionToMap(rec), nil
}

// rideToMap converts a ride document to GraphQL field names.
func rideToMap(doc *ride.Ride) map[string]interface{} {
	m := map[string]interface{}{
		"rideId":          doc.RideID,
		"vehicleId":       doc.VehicleID,
		"customerId":      doc.CustomerID,
		"status":          string(doc.Status),
		"city":            string(doc.City),
		"fare":            doc.Fare,
		"startLocation":   map[string]interface{}{"lat": doc.StartLocation.Lat, "lon": doc.StartLocation.Lon},
		"currentLocation": map[string]interface{}{"lat": doc.CurrentLocation.Lat, "lon": doc.CurrentLocation.Lon},
		"endLocation":     map[string]interface{}{"lat": doc.EndLocation.Lat, "lon": doc.EndLocation.Lon},
		"timestamp":       doc.Timestamp,
		"locked":          doc.Locked,
	}
	if doc.HandoffStatus != ride.HandoffNone {
		m["handoffStatus"] = string(doc.HandoffStatus)
	}
	if doc.TransactionID != "" {
		m["transactionId"] = doc.TransactionID
	}
	return m
}

// transactionToMap converts a transaction record to GraphQL field names.
func transactionToMap(rec *txlog.Record) map[string]interface{} {
	history := make([]map[string]interface{}, 0, len(rec.History))
	for _, entry := range rec.History {
		history = append(history, map[string]interface{}{
			"status":    string(entry.Status),
			"timestamp": entry.Timestamp,
			"note":      entry.Note,
		})
	}

	m := map[string]interface{}{
		"txId":         rec.TxID,
		"rideId":       rec.RideID,
		"sourceRegion": string(rec.SourceRegion),
		"targetRegion": string(rec.TargetRegion),
		"status":       string(rec.Status),
		"createdAt":    rec.CreatedAt,
		"lastUpdated":  rec.LastUpdated,
		"history":      history,
		"latencyMs":    rec.LatencyMS,
	}
	if rec.Error != "" {
		m["error"] = rec.Error
	}
	return m
}
