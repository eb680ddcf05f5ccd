package graphql

import (
	"fmt"

	"github.com/graphql-go/graphql"

	"github.com/ridemesh/ridemesh/pkg/coord"
	"github.com/ridemesh/ridemesh/pkg/txlog"
)

// Schema creates and returns the read-only GraphQL schema for the
// coordinator.
func Schema(router *coord.QueryRouter, tl *txlog.Log) (graphql.Schema, error) {
	// Define the Location type
	locationType := graphql.NewObject(graphql.ObjectConfig{
		Name:        "Location",
		Description: "A GPS coordinate pair",
		Fields: graphql.Fields{
			"lat": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.Float),
				Description: "Latitude in [-90, 90]",
			},
			"lon": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.Float),
				Description: "Longitude in [-180, 180]",
			},
		},
	})

	// Define the Ride type
	rideType := graphql.NewObject(graphql.ObjectConfig{
		Name:        "Ride",
		Description: "A ride document owned by one regional shard",
		Fields: graphql.Fields{
			"rideId": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.String),
				Description: "External ride identifier (R-<digits>)",
			},
			"vehicleId": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.String),
				Description: "Vehicle identifier (AV-<digits>)",
			},
			"customerId": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.String),
				Description: "Customer identifier (C-<digits>)",
			},
			"status": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.String),
				Description: "Ride lifecycle status",
			},
			"city": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.String),
				Description: "Owning region",
			},
			"fare": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.Float),
				Description: "Fare in dollars, two decimals",
			},
			"startLocation": &graphql.Field{
				Type: locationType,
			},
			"currentLocation": &graphql.Field{
				Type: locationType,
			},
			"endLocation": &graphql.Field{
				Type: locationType,
			},
			"timestamp": &graphql.Field{
				Type:        graphql.DateTime,
				Description: "Last writer-supplied timestamp",
			},
			"handoffStatus": &graphql.Field{
				Type:        graphql.String,
				Description: "Position inside a cross-region handoff, if any",
			},
			"locked": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.Boolean),
				Description: "Whether a handoff transaction holds this ride",
			},
			"transactionId": &graphql.Field{
				Type:        graphql.String,
				Description: "Transaction holding the ride, if locked",
			},
		},
	})

	// Define the HistoryEntry type
	historyEntryType := graphql.NewObject(graphql.ObjectConfig{
		Name:        "HistoryEntry",
		Description: "One status transition in a transaction's audit trail",
		Fields: graphql.Fields{
			"status": &graphql.Field{
				Type: graphql.NewNonNull(graphql.String),
			},
			"timestamp": &graphql.Field{
				Type: graphql.DateTime,
			},
			"note": &graphql.Field{
				Type: graphql.String,
			},
		},
	})

	// Define the Transaction type
	transactionType := graphql.NewObject(graphql.ObjectConfig{
		Name:        "Transaction",
		Description: "A cross-region handoff transaction record",
		Fields: graphql.Fields{
			"txId": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.String),
				Description: "Transaction identifier (UUIDv4)",
			},
			"rideId": &graphql.Field{
				Type: graphql.NewNonNull(graphql.String),
			},
			"sourceRegion": &graphql.Field{
				Type: graphql.NewNonNull(graphql.String),
			},
			"targetRegion": &graphql.Field{
				Type: graphql.NewNonNull(graphql.String),
			},
			"status": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.String),
				Description: "STARTED, PREPARED, COMMITTED or ABORTED",
			},
			"createdAt": &graphql.Field{
				Type: graphql.DateTime,
			},
			"lastUpdated": &graphql.Field{
				Type: graphql.DateTime,
			},
			"history": &graphql.Field{
				Type:        graphql.NewList(historyEntryType),
				Description: "Ordered status transitions",
			},
			"latencyMs": &graphql.Field{
				Type:        graphql.Float,
				Description: "End-to-end latency of a committed handoff",
			},
			"error": &graphql.Field{
				Type:        graphql.String,
				Description: "Abort cause, if aborted",
			},
		},
	})

	// Create resolver instance
	resolver := NewResolver(router, tl)

	// Define the Query type
	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name:        "Query",
		Description: "Root query type for the coordination plane",
		Fields: graphql.Fields{
			"rides": &graphql.Field{
				Type:        graphql.NewList(rideType),
				Description: "Search rides through the query router",
				Args: graphql.FieldConfigArgument{
					"city": &graphql.ArgumentConfig{
						Type: graphql.String,
					},
					"status": &graphql.ArgumentConfig{
						Type: graphql.String,
					},
					"minFare": &graphql.ArgumentConfig{
						Type: graphql.Float,
					},
					"maxFare": &graphql.ArgumentConfig{
						Type: graphql.Float,
					},
					"scope": &graphql.ArgumentConfig{
						Type:         graphql.String,
						DefaultValue: coord.ScopeGlobalFast,
					},
					"limit": &graphql.ArgumentConfig{
						Type:         graphql.Int,
						DefaultValue: coord.DefaultLimit,
					},
				},
				Resolve: resolver.Rides,
			},
			"transactions": &graphql.Field{
				Type:        graphql.NewList(transactionType),
				Description: "Recent handoff transactions, newest first",
				Args: graphql.FieldConfigArgument{
					"limit": &graphql.ArgumentConfig{
						Type:         graphql.Int,
						DefaultValue: 50,
					},
				},
				Resolve: resolver.Transactions,
			},
			"transaction": &graphql.Field{
				Type:        transactionType,
				Description: "One transaction by tx_id",
				Args: graphql.FieldConfigArgument{
					"txId": &graphql.ArgumentConfig{
						Type: graphql.NewNonNull(graphql.String),
					},
				},
				Resolve: resolver.Transaction,
			},
		},
	})

	schema, err := graphql.NewSchema(graphql.SchemaConfig{
		Query: queryType,
	})
	if err != nil {
		return graphql.Schema{}, fmt.Errorf("failed to build schema: %w", err)
	}
	return schema, nil
}
