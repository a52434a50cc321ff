// Package web3 holds the chain connectivity used for agent reputation
// reporting: wallet validation, chain definitions and the client contract
// implemented by concrete networks.
package web3
