// Package topology is the hub's configuration repository: the canonical
// Connector → Device → Channel → Property model and the cached registry every
// other component reads it through.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                         Topology                              │
//	│                                                               │
//	│  ┌────────────────┐    ┌────────────────┐   ┌──────────────┐  │
//	│  │    Registry    │───▶│   Repository   │   │  Validation  │  │
//	│  │ (registry.go)  │    │(repository.go) │   │(validation.go)│ │
//	│  │ • snapshot     │    │ • SQLite       │   │ • kind rules │  │
//	│  │ • deep copies  │    │ • transactions │   │ • formats    │  │
//	│  │ • tx replay    │    │ • FK cascades  │   │              │  │
//	│  └────────────────┘    └────────────────┘   └──────────────┘  │
//	└──────────────────────────────────────────────────────────────┘
//
// # Property kinds
//
//   - KindVariable: the value lives on the persistent entity.
//   - KindDynamic: the value lives only in the property state store.
//   - KindMapped: a projection of a variable or dynamic parent through its own
//     Format. A mapped property's parent is never mapped.
//
// # Usage
//
//	repo := topology.NewSQLiteRepository(db.DB)
//	registry := topology.NewRegistry(repo)
//	registry.SetLogger(log)
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	dev, err := registry.FindDevice(ctx, connectorID, topology.Ref{Identifier: "98cdac1eb419-shelly1"})
//
// Values returned by the Registry are copies; changing them has no effect
// until they are passed back to a Save method.
package topology
