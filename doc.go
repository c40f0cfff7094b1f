// Package rgbwallet and its sub-packages implement a wallet service for RGB assets on Bitcoin, with allocations
// optionally recorded on a Firefly node.
/*
rgbwallet provides you with two programs:

1) a wallet microservice (package wallet, cmd/wallet) that implements a RESTful API to issue assets, generate and pay
 invoices, accept and export consignments and validate allocations against the chain.

2) an esplora mock (package esploramock, cmd/esploramock) that serves the Esplora REST API the wallet uses, either
 from a Bitcoin Core node or from an in-memory regtest chain.

Architecture

Wallet operations live in package core. Every contract has a stash on disk (package lib/rgb) loaded into a runtime
while in use. Runtimes are kept in a bounded cache (package lib/rgb/cache) that hands out exclusive leases in FIFO
order; a runtime whose stash could not be saved is poisoned until recovered. Package lib/rgb/lifecycle warms the cache
up, sweeps idle runtimes and drains it at shutdown.

Bitcoin transactions are composed and signed by package lib/bitcoin from keys of a BIP32 key ring (package lib/keys)
and broadcast through the Esplora client (package lib/bitcoin/esplora).

Transfers are recorded in a journal (package lib/store) kept in the wallet directory, MongoDB or PostgreSQL. Wallet
events are published to a message broker (package lib/msg), AMQP or in-memory, and consumed back by the wallet service.
The validator (package validator) periodically checks declared allocations against the chain and publishes its
reports.

The microservice can be monitored via a Prometheus API by setting the flag "-m" at startup.

Wallet

The wallet microservice can be started running cmd/wallet/main.go with a JSON configuration file (flag "-c"). Each
process owns one wallet directory under the data directory; its key material is created on first run.
*/
package rgbwallet
