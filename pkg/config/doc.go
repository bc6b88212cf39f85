// Package config loads the three YAML files standforge works from: the
// connection settings, the stand definition (which machines each user
// gets), and the user list. Loaders validate up front so a bad file fails
// before anything touches the cluster.
package config
