// Package testcat provides a TPC-H shaped schema with fixed statistics
// for planner tests. Cardinalities follow scale factor 1.
package testcat

import (
	"github.com/kasuganosora/sqlopt/pkg/catalog"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

func column(name string, typ *types.DataType, distinct float64) *catalog.Column {
	return &catalog.Column{Name: name, Type: typ, Cardinality: distinct}
}

// TPCH builds the eight-table TPC-H schema. numPartitions > 1 marks the
// large tables hash-partitioned on their primary keys.
func TPCH(numPartitions int) *catalog.Schema {
	s := catalog.NewSchema("tpch")

	nation := catalog.NewTable("nation", 25,
		column("n_nationkey", types.Bigint(), 25),
		column("n_name", types.Varchar(), 25),
		column("n_regionkey", types.Bigint(), 5),
		column("n_comment", types.Varchar(), 25),
	)
	nation.AddLayout([]*catalog.Column{nation.Column("n_nationkey")}, true)
	s.AddTable(nation)

	region := catalog.NewTable("region", 5,
		column("r_regionkey", types.Bigint(), 5),
		column("r_name", types.Varchar(), 5),
		column("r_comment", types.Varchar(), 5),
	)
	region.AddLayout([]*catalog.Column{region.Column("r_regionkey")}, true)
	s.AddTable(region)

	supplier := catalog.NewTable("supplier", 10_000,
		column("s_suppkey", types.Bigint(), 10_000),
		column("s_name", types.Varchar(), 10_000),
		column("s_address", types.Varchar(), 10_000),
		column("s_nationkey", types.Bigint(), 25),
		column("s_phone", types.Varchar(), 10_000),
		column("s_acctbal", types.Double(), 10_000),
		column("s_comment", types.Varchar(), 10_000),
	)
	supplier.AddLayout([]*catalog.Column{supplier.Column("s_suppkey")}, true)
	s.AddTable(supplier)

	customer := catalog.NewTable("customer", 150_000,
		column("c_custkey", types.Bigint(), 150_000),
		column("c_name", types.Varchar(), 150_000),
		column("c_address", types.Varchar(), 150_000),
		column("c_nationkey", types.Bigint(), 25),
		column("c_phone", types.Varchar(), 150_000),
		column("c_acctbal", types.Double(), 140_000),
		column("c_mktsegment", types.Varchar(), 5),
		column("c_comment", types.Varchar(), 150_000),
	)
	customer.AddLayout([]*catalog.Column{customer.Column("c_custkey")}, true)
	s.AddTable(customer)

	orders := catalog.NewTable("orders", 1_500_000,
		column("o_orderkey", types.Bigint(), 1_500_000),
		column("o_custkey", types.Bigint(), 100_000),
		column("o_orderstatus", types.Varchar(), 3),
		column("o_totalprice", types.Double(), 1_450_000),
		column("o_orderdate", types.Date(), 2_400),
		column("o_orderpriority", types.Varchar(), 5),
		column("o_clerk", types.Varchar(), 1_000),
		column("o_shippriority", types.Integer(), 1),
		column("o_comment", types.Varchar(), 1_500_000),
	)
	orders.AddLayout([]*catalog.Column{orders.Column("o_orderkey")}, true)
	s.AddTable(orders)

	lineitem := catalog.NewTable("lineitem", 6_000_000,
		column("l_orderkey", types.Bigint(), 1_500_000),
		column("l_partkey", types.Bigint(), 200_000),
		column("l_suppkey", types.Bigint(), 10_000),
		column("l_linenumber", types.Integer(), 7),
		column("l_quantity", types.Double(), 50),
		column("l_extendedprice", types.Double(), 930_000),
		column("l_discount", types.Double(), 11),
		column("l_tax", types.Double(), 9),
		column("l_returnflag", types.Varchar(), 3),
		column("l_linestatus", types.Varchar(), 2),
		column("l_shipdate", types.Date(), 2_500),
		column("l_commitdate", types.Date(), 2_500),
		column("l_receiptdate", types.Date(), 2_500),
		column("l_shipinstruct", types.Varchar(), 4),
		column("l_shipmode", types.Varchar(), 7),
		column("l_comment", types.Varchar(), 4_500_000),
	)
	lineitem.AddLayout(
		[]*catalog.Column{lineitem.Column("l_orderkey"), lineitem.Column("l_linenumber")}, true)
	s.AddTable(lineitem)

	part := catalog.NewTable("part", 200_000,
		column("p_partkey", types.Bigint(), 200_000),
		column("p_name", types.Varchar(), 200_000),
		column("p_mfgr", types.Varchar(), 5),
		column("p_brand", types.Varchar(), 25),
		column("p_type", types.Varchar(), 150),
		column("p_size", types.Integer(), 50),
		column("p_container", types.Varchar(), 40),
		column("p_retailprice", types.Double(), 20_000),
		column("p_comment", types.Varchar(), 130_000),
	)
	part.AddLayout([]*catalog.Column{part.Column("p_partkey")}, true)
	s.AddTable(part)

	partsupp := catalog.NewTable("partsupp", 800_000,
		column("ps_partkey", types.Bigint(), 200_000),
		column("ps_suppkey", types.Bigint(), 10_000),
		column("ps_availqty", types.Integer(), 10_000),
		column("ps_supplycost", types.Double(), 100_000),
		column("ps_comment", types.Varchar(), 800_000),
	)
	partsupp.AddLayout(
		[]*catalog.Column{partsupp.Column("ps_partkey"), partsupp.Column("ps_suppkey")}, true)
	s.AddTable(partsupp)

	if numPartitions > 1 {
		customer.SetPartitioning(numPartitions, customer.Column("c_custkey"))
		orders.SetPartitioning(numPartitions, orders.Column("o_orderkey"))
		lineitem.SetPartitioning(numPartitions, lineitem.Column("l_orderkey"))
		part.SetPartitioning(numPartitions, part.Column("p_partkey"))
		partsupp.SetPartitioning(numPartitions, partsupp.Column("ps_partkey"))
		supplier.SetPartitioning(numPartitions, supplier.Column("s_suppkey"))
	}
	return s
}
