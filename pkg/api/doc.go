// Package api defines the public types of the orderflow kernel: the
// order-processing steps and their options, history events, activity
// contracts, retry policies and the Kernel interface.
//
// Application code normally imports the root orderflow package, which
// re-exports everything here and adds the kernel constructors.
package api
