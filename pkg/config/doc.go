// Package config loads the deckhand project configuration.
//
// A project is described by deckhand.cue at the repository root:
//
//	name: "shop"
//	azure: resourceGroup: "rg-shop"
//	registry: name: "shopacr"
//	webapp: name: "shop-app"
//
// The file is unified with the built-in #Project CUE definition held in the
// SchemaRegistry, which supplies defaults and rejects unknown fields, then
// decoded into Project and checked with validator struct tags. Identity and
// secrets never live in the file: ARM_SUBSCRIPTION_ID, ARM_TENANT_ID,
// ARM_CLIENT_ID and ARM_CLIENT_SECRET override the azure block, and every
// DECKHAND_SECRET_<NAME> variable becomes Secrets[NAME].
//
// The registry also carries #InfraOutputs, the shape of the record handed
// from the infrastructure stage to the deploy stage.
package config
